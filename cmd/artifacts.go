package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openonco/coverage-cli/internal/artifact"
)

var (
	artifactsPayer  string
	artifactsPolicy string
	artifactsKeep   int
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect and prune archived policy documents",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived artifacts for a policy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		arts, err := artifact.NewStore(cfg.Artifacts.Dir)
		if err != nil {
			return eris.Wrap(err, "init artifact store")
		}

		metas, err := arts.ListForPolicy(artifactsPayer, artifactsPolicy)
		if err != nil {
			return eris.Wrap(err, "list artifacts")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(metas)
	},
}

var artifactsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old artifacts, keeping the newest N per policy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		arts, err := artifact.NewStore(cfg.Artifacts.Dir)
		if err != nil {
			return eris.Wrap(err, "init artifact store")
		}

		keep := artifactsKeep
		if keep == 0 {
			keep = cfg.Artifacts.KeepCount
		}

		deleted, err := arts.Prune(artifactsPayer, keep)
		if err != nil {
			return eris.Wrap(err, "prune artifacts")
		}

		zap.L().Info("prune complete",
			zap.String("payer", artifactsPayer),
			zap.Int("kept_per_policy", keep),
			zap.Int("deleted", deleted),
		)
		return nil
	},
}

func init() {
	artifactsListCmd.Flags().StringVar(&artifactsPayer, "payer", "", "payer ID (required)")
	artifactsListCmd.Flags().StringVar(&artifactsPolicy, "policy", "", "policy ID (required)")
	_ = artifactsListCmd.MarkFlagRequired("payer")
	_ = artifactsListCmd.MarkFlagRequired("policy")

	artifactsPruneCmd.Flags().StringVar(&artifactsPayer, "payer", "", "payer ID (required)")
	artifactsPruneCmd.Flags().IntVar(&artifactsKeep, "keep", 0, "artifacts to keep per policy (default from config)")
	_ = artifactsPruneCmd.MarkFlagRequired("payer")

	artifactsCmd.AddCommand(artifactsListCmd)
	artifactsCmd.AddCommand(artifactsPruneCmd)
	rootCmd.AddCommand(artifactsCmd)
}
