package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare local and vendor race counts",
	Long: `Count races on both sides and report drift.

A non-zero difference usually means an aborted full sync; rerun
"keibasync sync full" to close the gap. Exits 1 on any drift.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer rt.close()

		v, err := rt.engine().Verify(ctx)
		if err != nil {
			fail("%v", err)
		}

		fmt.Printf("vendor races:   %d\n", v.SourceRaces)
		fmt.Printf("local races:    %d\n", v.LocalRaces)
		fmt.Printf("local entries:  %d\n", v.LocalEntries)
		fmt.Printf("local results:  %d\n", v.LocalResults)

		if missing := v.Missing(); missing != 0 {
			fmt.Fprintf(os.Stderr, "drift: local store differs by %d races\n", missing)
			os.Exit(1)
		}
		fmt.Println("in sync")
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
