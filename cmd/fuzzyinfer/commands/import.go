package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
)

// NewImportCommand loads a CSV population into the store
func NewImportCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "import ENTITY FILE",
		Short: "Import a CSV population",
		Long: `Import a CSV file with a header row into the population table for ENTITY.
The table is created from the header if it does not exist. Every value must be
numeric; empty cells are stored as unknown.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[1])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[1], err)
			}
			defer f.Close()

			n, err := a.store.ImportCSV(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			a.logger.Info("Imported population",
				logging.String("entity_type", args[0]),
				logging.String("file", args[1]),
				logging.Int("rows", n))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rows into %s\n", n, args[0])
			return nil
		},
	}
}
