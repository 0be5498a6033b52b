package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-kvnode/pkg/envelope"
	"github.com/amirimatin/go-kvnode/pkg/notify"
	"github.com/amirimatin/go-kvnode/pkg/peer"
	"github.com/amirimatin/go-kvnode/pkg/transport/tcp"
)

// target selects the node a command is sent to.
type target struct {
	node       uint64
	host       string
	basePort   uint16
	addr       string
	await      bool
	clientAddr string
	timeout    time.Duration
}

func (t *target) bind(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&t.node, "node", 1, "id of the node to send the command to")
	cmd.Flags().StringVar(&t.host, "host", peer.DefaultHost, "host the nodes listen on")
	cmd.Flags().Uint16Var(&t.basePort, "base-port", peer.DefaultBasePort, "node n listens on base-port+n")
	cmd.Flags().StringVar(&t.addr, "addr", "", "send to this address instead of resolving --node")
	cmd.Flags().BoolVar(&t.await, "await", false, "listen on --client-addr and print the reply")
	cmd.Flags().StringVar(&t.clientAddr, "client-addr", notify.DefaultClientAddr, "reply endpoint used with --await")
	cmd.Flags().DurationVar(&t.timeout, "timeout", 5*time.Second, "how long --await waits for the reply")
}

func (t *target) endpoint() string {
	if t.addr != "" {
		return t.addr
	}
	return peer.NewResolver(t.host, t.basePort).Resolve(t.node)
}

// send delivers exactly one Command envelope and, with --await, prints the
// reply line.
func (t *target) send(out io.Writer, op envelope.Operation, key string, value uint64) error {
	line, err := envelope.Encode(envelope.NewCommand(op, key, value))
	if err != nil {
		return err
	}
	var ln net.Listener
	if t.await {
		if ln, err = net.Listen("tcp", t.clientAddr); err != nil {
			return fmt.Errorf("listen for reply: %w", err)
		}
		defer ln.Close()
	}
	if err := tcp.Send(t.endpoint(), line); err != nil {
		return fmt.Errorf("send %s to %s: %w", op, t.endpoint(), err)
	}
	if ln == nil {
		fmt.Fprintf(out, "%s sent to %s\n", op, t.endpoint())
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	reply, err := readReply(ctx, ln)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, reply)
	return nil
}

func readReply(ctx context.Context, ln net.Listener) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			ch <- result{err: err}
			return
		}
		defer c.Close()
		line, err := bufio.NewReader(c).ReadString('\n')
		if err != nil && line == "" {
			ch <- result{err: err}
			return
		}
		ch <- result{line: trimNewline(line)}
	}()
	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("no reply: %w", ctx.Err())
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// NewGetCmd returns the "get" command.
func NewGetCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Read the value of KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.send(cmd.OutOrStdout(), envelope.Get, args[0], 0)
		},
	}
	t.bind(cmd)
	return cmd
}

// NewPutCmd returns the "put" command.
func NewPutCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Store VALUE (unsigned integer) under KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("value must be an unsigned integer: %w", err)
			}
			return t.send(cmd.OutOrStdout(), envelope.Put, args[0], v)
		},
	}
	t.bind(cmd)
	return cmd
}

// NewSnapshotCmd returns the "snapshot" command.
func NewSnapshotCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Ask a node to compact its log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return t.send(cmd.OutOrStdout(), envelope.Snapshot, "", 0)
		},
	}
	t.bind(cmd)
	return cmd
}

// NewListenCmd returns the "listen" command, which prints every reply the
// nodes send to the client endpoint.
func NewListenCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print command replies sent to the client endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			go func() {
				<-ctx.Done()
				_ = ln.Close()
			}()
			fmt.Fprintf(cmd.ErrOrStderr(), "listening for replies at %s\n", ln.Addr())
			return printReplies(ctx, ln, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "client-addr", notify.DefaultClientAddr, "address to listen on")
	return cmd
}

func printReplies(ctx context.Context, ln net.Listener, out io.Writer) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		sc := bufio.NewScanner(c)
		for sc.Scan() {
			fmt.Fprintln(out, sc.Text())
		}
		_ = c.Close()
	}
}
