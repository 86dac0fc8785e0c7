package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/vitalstream/healthsync/internal/reader"
)

var resetCmd = &cobra.Command{
	Use:   "reset <export-file>",
	Short: "Clear checkpoints for an export file",
	Long:  "Clears resume state so the next import of this file starts from the beginning. Deduplication against recently written points still applies unless the import runs in force mode.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sourceHash, err := reader.SourceHash(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := st.ResetSource(ctx, sourceHash); err != nil {
			return eris.Wrap(err, "reset")
		}
		fmt.Printf("cleared checkpoints for %s (hash %s)\n", args[0], sourceHash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
