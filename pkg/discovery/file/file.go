package file

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/amirimatin/go-kvnode/pkg/discovery"
	"github.com/amirimatin/go-kvnode/pkg/peer"
)

// Options configures file/ENV-based discovery.
type Options struct {
	// Path to a file containing one id per line or comma-separated lists.
	// Lines starting with # are ignored.
	Path string
	// Env overrides the file when the variable is set and non-empty.
	Env string
}

type impl struct {
	opts Options
}

// New returns a Source reading ids from opts.Env or opts.Path.
func New(opts Options) discovery.Source { return &impl{opts: opts} }

func (i *impl) Peers() ([]uint64, error) {
	if i.opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
			return peer.ParseIDs(v)
		}
	}
	if i.opts.Path == "" {
		return nil, nil
	}
	return loadFile(i.opts.Path)
}

func loadFile(path string) ([]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ids []uint64
	s := bufio.NewScanner(f)
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		got, err := peer.ParseIDs(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		ids = append(ids, got...)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
