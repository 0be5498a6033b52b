// Package tlstest writes a throwaway CA plus server and client certificates
// for tests that exercise the management endpoints over mTLS.
package tlstest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Files holds the paths of generated PEM files.
type Files struct {
	CACert, CAKey         string
	ServerCert, ServerKey string
	ClientCert, ClientKey string
}

// MakeCerts generates a CA and two leaves valid for 127.0.0.1 under dir.
func MakeCerts(t testing.TB, dir string) Files {
	t.Helper()
	caPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("ca key: %v", err)
	}
	caTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "kvnode-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(48 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
	if err != nil {
		t.Fatalf("ca cert: %v", err)
	}
	f := Files{CACert: filepath.Join(dir, "ca.crt"), CAKey: filepath.Join(dir, "ca.key")}
	writePEM(t, f.CACert, "CERTIFICATE", caDER)
	writePEM(t, f.CAKey, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caPriv))

	leaf := func(cn, name string, usage x509.ExtKeyUsage) (string, string) {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("%s key: %v", cn, err)
		}
		tpl := &x509.Certificate{
			SerialNumber: big.NewInt(time.Now().UnixNano()),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
		der, err := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
		if err != nil {
			t.Fatalf("%s cert: %v", cn, err)
		}
		crt, key := filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
		writePEM(t, crt, "CERTIFICATE", der)
		writePEM(t, key, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
		return crt, key
	}
	f.ServerCert, f.ServerKey = leaf("kvnode-server", "server", x509.ExtKeyUsageServerAuth)
	f.ClientCert, f.ClientKey = leaf("kvnode-client", "client", x509.ExtKeyUsageClientAuth)
	return f
}

func writePEM(t testing.TB, path, typ string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		t.Fatalf("pem encode %s: %v", path, err)
	}
}
