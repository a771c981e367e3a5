package commands

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seamusabshere/fuzzy-infer/pkg/api"
)

// NewConfigsCommand prints the loaded registry
func NewConfigsCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "configs [ENTITY]",
		Short: "List registered inference configurations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			entities := a.registry.EntityTypes()
			if len(args) == 1 {
				entities = args
			}

			doc := make(map[string][]api.ConfigView, len(entities))
			for _, entity := range entities {
				for _, cfg := range a.registry.Configs(entity) {
					doc[entity] = append(doc[entity], api.NewConfigView(cfg))
				}
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(doc)
		},
	}
}
