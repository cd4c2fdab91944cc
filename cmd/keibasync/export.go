package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keibalab/keibasync/internal/export"
	"github.com/keibalab/keibasync/internal/racekey"
)

var (
	exportOut   string
	exportAfter string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export synced races as JSONL",
	Long: `Write the local store as JSONL, one race per line with its entries
and results nested, for training pipelines.`,
	Run: func(cmd *cobra.Command, args []string) {
		if exportAfter != "" {
			if _, err := racekey.Parse(exportAfter); err != nil {
				fail("%v", err)
			}
		}

		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer rt.close()

		res, err := export.ToFile(ctx, rt.store.DB(), exportOut, export.Options{After: exportAfter})
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("exported %d races (%d entries, %d results) to %s\n",
			res.Races, res.Entries, res.Results, exportOut)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "races.jsonl", "output file")
	exportCmd.Flags().StringVar(&exportAfter, "after", "", "only races with keys after this one")
	rootCmd.AddCommand(exportCmd)
}
