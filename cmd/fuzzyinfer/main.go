package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seamusabshere/fuzzy-infer/cmd/fuzzyinfer/commands"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &commands.Options{}
	root := &cobra.Command{
		Use:   "fuzzyinfer",
		Short: "Fuzzy inference of unknown numeric fields",
		Long: `fuzzyinfer estimates unknown numeric fields of a record from a population of
similar records, weighting every row by Gaussian similarity on the known fields.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.AddPersistentFlags(root)

	root.AddCommand(
		commands.NewImportCommand(opts),
		commands.NewInferCommand(opts),
		commands.NewImputeCommand(opts),
		commands.NewConfigsCommand(opts),
		commands.NewServeCommand(opts),
	)
	return root
}
