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
		Use:           "kvnode",
		Short:         "replicated key-value node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	kvcli.AddNode(root)
	return root
}
