package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openonco/coverage-cli/internal/pipeline"
)

var (
	refreshPayer  string
	refreshPolicy string
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch registered policies and update coverage evidence",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		reg, err := pipeline.LoadRegistry(cfg.Registry.Path)
		if err != nil {
			return eris.Wrap(err, "load policy registry")
		}

		targets := reg.ForPayer(refreshPayer)
		if refreshPolicy != "" {
			filtered := targets[:0]
			for _, t := range targets {
				if t.PolicyID == refreshPolicy {
					filtered = append(filtered, t)
				}
			}
			targets = filtered
		}
		if len(targets) == 0 {
			return eris.New("no registry targets match the given filters")
		}

		zap.L().Info("refresh starting",
			zap.Int("targets", len(targets)),
			zap.String("payer", refreshPayer),
		)

		result, err := env.Pipeline.Refresh(ctx, targets)
		if err != nil {
			return eris.Wrap(err, "refresh")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]int{
			"fetched":                 result.Fetched,
			"changed":                 result.Changed,
			"unchanged":               result.Unchanged,
			"failed":                  result.Failed,
			"suppressed":              result.Suppressed,
			"possible_system_changes": result.SystemChanges,
		})
	},
}

func init() {
	refreshCmd.Flags().StringVar(&refreshPayer, "payer", "", "refresh only this payer's policies")
	refreshCmd.Flags().StringVar(&refreshPolicy, "policy", "", "refresh only this policy ID")
	rootCmd.AddCommand(refreshCmd)
}
