package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/vitalstream/healthsync/internal/model"
	"github.com/vitalstream/healthsync/internal/reader"
)

var statusCmd = &cobra.Command{
	Use:   "status <export-file>",
	Short: "Show resume state for an export file",
	Long:  "Shows the per-category checkpoints and sink reachability for the given export file.",
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

		cps, err := st.GetCheckpoints(ctx, sourceHash)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		fmt.Printf("source: %s (hash %s)\n", args[0], sourceHash)

		if latest, err := st.LatestRunForSource(ctx, sourceHash); err == nil && latest != nil {
			fmt.Printf("last run: %s (%s, started %s)\n",
				latest.ID, latest.Status, latest.StartedAt.Format("2006-01-02 15:04"))
		}

		if len(cps) == 0 {
			fmt.Println("no checkpoints: source has not been imported")
		} else {
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CATEGORY\tLAST SEQ\tLAST TIME\tSTATUS")
			for _, cat := range model.Categories() {
				cp, ok := cps[cat]
				if !ok {
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
					cat, cp.LastSeq, cp.LastTime.Format("2006-01-02 15:04:05"), cp.Status)
			}
			_ = tw.Flush()
		}

		if err := initInflux().Ping(ctx); err != nil {
			fmt.Printf("sink: unreachable (%v)\n", err)
		} else {
			fmt.Println("sink: ok")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
