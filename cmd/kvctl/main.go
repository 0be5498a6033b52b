package main

import (
	"log"

	"github.com/spf13/cobra"

	kvcli "github.com/amirimatin/go-kvnode/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "kvctl",
		Short:         "send commands to kvnode and read the replies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	kvcli.AddClient(root)
	return root
}
