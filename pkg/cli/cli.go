package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-kvnode/pkg/bootstrap"
	"github.com/amirimatin/go-kvnode/pkg/discovery"
	discfile "github.com/amirimatin/go-kvnode/pkg/discovery/file"
	"github.com/amirimatin/go-kvnode/pkg/discovery/static"
	"github.com/amirimatin/go-kvnode/pkg/internal/logutil"
	"github.com/amirimatin/go-kvnode/pkg/notify"
	tracing "github.com/amirimatin/go-kvnode/pkg/observability/tracing"
	"github.com/amirimatin/go-kvnode/pkg/peer"
	"github.com/amirimatin/go-kvnode/pkg/security/tlsconfig"
)

// AddNode attaches the node-side subcommands (run/status) to root.
func AddNode(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
}

// AddClient attaches the client subcommands (get/put/snapshot/listen/status) to root.
func AddClient(root *cobra.Command) {
	root.AddCommand(NewGetCmd())
	root.AddCommand(NewPutCmd())
	root.AddCommand(NewSnapshotCmd())
	root.AddCommand(NewListenCmd())
	root.AddCommand(NewStatusCmd())
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
	var (
		id                                      uint64
		peersCSV, host, listen, clientAddr      string
		mgmtAddr, mgmtProto, dataDir, raftLevel string
		basePort                                uint16
		queueCap                                int
		heartbeat, election, rpcTimeout         time.Duration
		traceEnable, logJSON                    bool
		mgmtTLS                                 tlsconfig.Options
		peersFile, peersEnv                     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a key-value node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 {
				return fmt.Errorf("missing --id")
			}
			source, err := peerSource(peersCSV, peersFile, peersEnv)
			if err != nil {
				return err
			}
			if logJSON {
				logutil.SetJSON(true)
			}
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			n, err := bootstrap.Run(ctx, bootstrap.Config{
				NodeID:           id,
				PeerSource:       source,
				Host:             host,
				BasePort:         basePort,
				ListenAddr:       listen,
				ClientAddr:       clientAddr,
				QueueCap:         queueCap,
				MgmtAddr:         mgmtAddr,
				MgmtProto:        mgmtProto,
				MgmtTLS:          mgmtTLS,
				DataDir:          dataDir,
				HeartbeatTimeout: heartbeat,
				ElectionTimeout:  election,
				RPCTimeout:       rpcTimeout,
				RaftLogLevel:     raftLevel,
				Logger:           log.Default(),
			})
			if err != nil {
				return err
			}
			defer n.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "node %d running at %s. Press Ctrl+C to exit.\n", id, n.Addr())
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "node id (required, non-zero)")
	cmd.Flags().StringVar(&peersCSV, "peers", "", "comma-separated peer ids, e.g. 2,3")
	cmd.Flags().StringVar(&peersFile, "peers-file", "", "file listing cluster ids, one per line or comma-separated")
	cmd.Flags().StringVar(&peersEnv, "peers-env", "KVNODE_PEERS", "environment variable that overrides --peers-file")
	cmd.Flags().StringVar(&host, "host", peer.DefaultHost, "host every node listens on")
	cmd.Flags().Uint16Var(&basePort, "base-port", peer.DefaultBasePort, "node n listens on base-port+n")
	cmd.Flags().StringVar(&listen, "listen", "", "override the protocol listen address (host:port)")
	cmd.Flags().StringVar(&clientAddr, "client-addr", notify.DefaultClientAddr, "where command replies are sent")
	cmd.Flags().IntVar(&queueCap, "queue-cap", 24, "capacity of each lane queue")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", "", "management address (status/metrics/healthz); empty disables")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	bindTLSFlags(cmd, &mgmtTLS, true)
	cmd.Flags().StringVar(&dataDir, "data", "", "raft data dir (empty keeps everything in memory)")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "raft heartbeat timeout (0 = default)")
	cmd.Flags().DurationVar(&election, "election", 0, "raft election timeout (0 = default)")
	cmd.Flags().DurationVar(&rpcTimeout, "rpc-timeout", 0, "raft request timeout over the lanes (0 = 2s)")
	cmd.Flags().StringVar(&raftLevel, "raft-log-level", "warn", "raft log level: trace|debug|info|warn|error")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON log lines")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr, mgmtProto string
		timeout         time.Duration
		mgmtTLS         tlsconfig.Options
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := bootstrap.NewMgmtClient(mgmtProto, timeout, mgmtTLS)
			if err != nil {
				return err
			}
			if c, ok := client.(interface{ Close() }); ok {
				defer c.Close()
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			data, err := client.GetStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = out.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				_, _ = out.Write([]byte("\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	bindTLSFlags(cmd, &mgmtTLS, false)
	return cmd
}

// peerSource combines --peers with the optional file/env source.
func peerSource(csv, path, env string) (discovery.Source, error) {
	listed, err := static.Parse(csv)
	if err != nil {
		return nil, err
	}
	if path == "" && (env == "" || os.Getenv(env) == "") {
		return listed, nil
	}
	return discovery.Merge(listed, discfile.New(discfile.Options{Path: path, Env: env})), nil
}

func bindTLSFlags(cmd *cobra.Command, o *tlsconfig.Options, server bool) {
	cmd.Flags().BoolVar(&o.Enable, "tls-enable", false, "use TLS on the management endpoint")
	cmd.Flags().StringVar(&o.CAFile, "tls-ca", "", "CA bundle; enables mutual TLS")
	cmd.Flags().StringVar(&o.CertFile, "tls-cert", "", "certificate file (PEM)")
	cmd.Flags().StringVar(&o.KeyFile, "tls-key", "", "private key file (PEM)")
	if server {
		cmd.Flags().DurationVar(&o.Reload, "tls-reload", 0, "re-read the key pair at most once per interval (0 = never)")
		return
	}
	cmd.Flags().BoolVar(&o.InsecureSkipVerify, "tls-skip-verify", false, "skip server certificate verification (dev only)")
	cmd.Flags().StringVar(&o.ServerName, "tls-server-name", "", "expected server name")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
