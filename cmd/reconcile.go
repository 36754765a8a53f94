package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openonco/coverage-cli/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <payer-id> <test-id>",
	Short: "Print reconciled coverage for a (payer, test) pair as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		payerID, testID := args[0], args[1]
		assertions, err := st.GetAssertions(ctx, payerID, testID)
		if err != nil {
			return eris.Wrap(err, "load assertions")
		}

		resolved := reconcile.Resolve(assertions, payerID, testID)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resolved)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
