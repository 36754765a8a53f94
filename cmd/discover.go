package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openonco/coverage-cli/internal/model"
	"github.com/openonco/coverage-cli/internal/pipeline"
)

var (
	discoverPayer string
	discoverLimit int
	reviewBy      string
	reviewNotes   string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Crawl payer index pages and stage candidate policy URLs",
	Long: `Crawls the registry's index pages for links that look like coverage
policy documents and stages unseen URLs for human review. Nothing is
ingested: a staged URL only becomes a refresh target after it is approved
and promoted into the policy registry.`,
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

		result, err := env.Pipeline.Discover(ctx, reg, discoverPayer)
		if err != nil {
			return eris.Wrap(err, "discover")
		}

		zap.L().Info("discovery run complete",
			zap.Int("pages_crawled", result.PagesCrawled),
			zap.Int("links_seen", result.LinksSeen),
			zap.Int("staged", result.Staged),
		)
		return nil
	},
}

var discoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending discoveries awaiting review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		pending, err := st.GetPendingDiscoveries(ctx, discoverPayer, discoverLimit)
		if err != nil {
			return eris.Wrap(err, "list discoveries")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pending)
	},
}

func reviewCmd(use string, status model.ReviewStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <discovery-id>",
		Short: "Mark a staged discovery as " + string(status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.UpdateDiscoveryStatus(ctx, args[0], status, reviewBy, reviewNotes); err != nil {
				return eris.Wrapf(err, "mark discovery %s", status)
			}

			zap.L().Info("discovery reviewed",
				zap.String("id", args[0]),
				zap.String("status", string(status)),
				zap.String("reviewed_by", reviewBy),
			)
			return nil
		},
	}
}

func init() {
	discoverCmd.PersistentFlags().StringVar(&discoverPayer, "payer", "", "restrict to one payer")
	discoverCmd.PersistentFlags().StringVar(&reviewBy, "by", "", "reviewer name recorded on the discovery")
	discoverCmd.PersistentFlags().StringVar(&reviewNotes, "notes", "", "review notes recorded on the discovery")

	discoverListCmd.Flags().IntVar(&discoverLimit, "limit", 0, "cap the number of rows returned (0 = no limit)")

	discoverCmd.AddCommand(discoverListCmd)
	discoverCmd.AddCommand(reviewCmd("approve", model.ReviewApproved))
	discoverCmd.AddCommand(reviewCmd("reject", model.ReviewRejected))
	discoverCmd.AddCommand(reviewCmd("ignore", model.ReviewIgnored))
	rootCmd.AddCommand(discoverCmd)
}
