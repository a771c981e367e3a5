package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seamusabshere/fuzzy-infer/pkg/imputation"
)

// NewImputeCommand fills in missing targets for every stored row
func NewImputeCommand(opts *Options) *cobra.Command {
	var (
		targets     []string
		concurrency int
		list        bool
	)
	cmd := &cobra.Command{
		Use:   "impute ENTITY",
		Short: "Estimate missing targets for every stored row",
		Long: `Run inference for every row of ENTITY that is missing one of the targets and
record the estimates. The population itself is never modified. Without --target
every registered target set of ENTITY is imputed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, opts, !list)
			if err != nil {
				return err
			}
			defer a.Close()

			entity := args[0]
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")

			if list {
				imps, err := a.store.ListImputations(cmd.Context(), entity)
				if err != nil {
					return err
				}
				return out.Encode(imps)
			}

			if cmd.Flags().Changed("concurrency") {
				a.cfg.ImputeConcurrency = concurrency
			}
			runner := imputation.NewRunner(a.engine, a.store, a.cfg.ImputeConcurrency, a.logger)

			targetSets := [][]string{targets}
			if len(targets) == 0 {
				configs := a.registry.Configs(entity)
				if len(configs) == 0 {
					return fmt.Errorf("no inference configurations registered for %s", entity)
				}
				targetSets = targetSets[:0]
				for _, cfg := range configs {
					targetSets = append(targetSets, cfg.Targets)
				}
			}

			summaries := make([]*imputation.Summary, 0, len(targetSets))
			for _, set := range targetSets {
				summary, err := runner.Run(cmd.Context(), entity, set)
				if err != nil {
					return err
				}
				summaries = append(summaries, summary)
			}
			return out.Encode(summaries)
		},
	}
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "Target field to impute (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Maximum concurrent inferences")
	cmd.Flags().BoolVar(&list, "list", false, "List stored imputations instead of running")
	return cmd
}
