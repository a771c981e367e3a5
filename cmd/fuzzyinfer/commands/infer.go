package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

// NewInferCommand estimates targets for one record given on the command line
func NewInferCommand(opts *Options) *cobra.Command {
	var (
		targets []string
		fields  []string
	)
	cmd := &cobra.Command{
		Use:   "infer ENTITY",
		Short: "Estimate unknown fields of one record",
		Long: `Estimate one or more target fields of a record from the stored population.
All targets are computed from a single working set.`,
		Example: `  fuzzyinfer infer hotel --target electricity_per_room_night \
    --field heating_degree_days=2778 --field lodging_rooms=20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := parseFields(fields)
			if err != nil {
				return err
			}

			a, err := setup(cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.Infer(cmd.Context(), args[0], record, targets...)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "Target field to estimate (repeatable)")
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "Known field as name=value (repeatable)")
	cmd.MarkFlagRequired("target")
	return cmd
}

// parseFields turns name=value pairs into a record
func parseFields(pairs []string) (models.Record, error) {
	record := make(models.Record, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q, expected name=value", pair)
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		record[name] = v
	}
	return record, nil
}
