package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openonco/coverage-cli/internal/codes"
	"github.com/openonco/coverage-cli/internal/store"
)

var (
	codesXLSXPath string
	codesSheet    string
	codesReplace  bool
)

var codesCmd = &cobra.Command{
	Use:   "codes",
	Short: "Manage the billing code catalog",
}

var codesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import billing codes from a payer or LBM spreadsheet",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		ps, ok := st.(*store.PostgresStore)
		if !ok {
			return eris.New("codes import requires the postgres store driver")
		}
		if err := ps.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		opts := codes.XLSXOptions{SheetName: codesSheet}
		var imported int64
		if codesReplace {
			imported, err = codes.Replace(ctx, ps.Pool(), codesXLSXPath, opts)
		} else {
			imported, err = codes.Import(ctx, ps.Pool(), codesXLSXPath, opts)
		}
		if err != nil {
			return eris.Wrap(err, "import codes")
		}

		zap.L().Info("code import complete",
			zap.Int64("imported", imported),
			zap.String("xlsx", codesXLSXPath),
		)
		return nil
	},
}

func init() {
	codesImportCmd.Flags().StringVar(&codesXLSXPath, "xlsx", "", "path to spreadsheet (required)")
	codesImportCmd.Flags().StringVar(&codesSheet, "sheet", "", "sheet name (default: first sheet)")
	codesImportCmd.Flags().BoolVar(&codesReplace, "replace", false, "truncate and reload the whole catalog")
	_ = codesImportCmd.MarkFlagRequired("xlsx")

	codesCmd.AddCommand(codesImportCmd)
	rootCmd.AddCommand(codesCmd)
}
