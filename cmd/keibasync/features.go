package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keibalab/keibasync/internal/feature"
	"github.com/keibalab/keibasync/internal/logging"
	"github.com/keibalab/keibasync/internal/racekey"
)

var (
	warmRace   string
	invEntity  string
	invRace    string
	invType    string
	gcKeepFlag time.Duration
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Manage the prediction feature cache",
}

var featuresWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Precompute features for a race",
	Long: `Compute every registered feature type for every synced starter of a
race and store the results. Entries that are still fresh are skipped,
so warming is cheap to repeat.`,
	Run: func(cmd *cobra.Command, args []string) {
		key, err := racekey.Parse(warmRace)
		if err != nil {
			fail("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer rt.close()

		entities, err := rt.store.EntryIDs(ctx, key)
		if err != nil {
			fail("%v", err)
		}
		if len(entities) == 0 {
			fail("no synced entries for %s; run a sync first", key)
		}

		w := feature.NewWarmer(rt.cache, rt.cfg.Features.Workers, logging.New(rt.logW, "features"))
		comp := feature.NewComputer(rt.store.DB())
		w.Register(feature.TypePastPerformance, comp.PastPerformance, rt.cfg.Features.TTLFor(feature.TypePastPerformance))
		w.Register(feature.TypeJockeyStats, comp.JockeyStats, rt.cfg.Features.TTLFor(feature.TypeJockeyStats))
		w.Register(feature.TypeRaceCondition, comp.RaceCondition, rt.cfg.Features.TTLFor(feature.TypeRaceCondition))

		stats, err := w.WarmRace(ctx, key.String(), entities)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("warmed %s: %d computed, %d fresh, %d failed\n",
			key, stats.Computed, stats.SkippedFresh, stats.Failed)
		if stats.Failed > 0 {
			os.Exit(1)
		}
	},
}

var featuresInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Expire cached features",
	Long: `Expire cached features for one entity, one race, or one feature type.
Expired entries read as absent but stay on disk until garbage
collection.`,
	Run: func(cmd *cobra.Command, args []string) {
		set := 0
		for _, f := range []string{invEntity, invRace, invType} {
			if f != "" {
				set++
			}
		}
		if set != 1 {
			fail("exactly one of --entity, --race, --type is required")
		}

		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer rt.close()

		var n int64
		switch {
		case invEntity != "":
			n, err = rt.cache.Invalidate(ctx, invEntity)
		case invRace != "":
			if _, kerr := racekey.Parse(invRace); kerr != nil {
				fail("%v", kerr)
			}
			n, err = rt.cache.InvalidateRace(ctx, invRace)
		default:
			n, err = rt.cache.InvalidateType(ctx, invType)
		}
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("expired %d cached features\n", n)
	},
}

var featuresGetCmd = &cobra.Command{
	Use:   "get <race-id> <entity-id> <feature-type>",
	Short: "Print one cached feature",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer rt.close()

		e, err := rt.cache.Lookup(ctx, args[0], args[1], args[2])
		if feature.IsMiss(err) {
			fmt.Fprintf(os.Stderr, "miss: %v\n", err)
			os.Exit(1)
		}
		if err != nil {
			fail("%v", err)
		}

		out, err := json.MarshalIndent(e.Payload, "", "  ")
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s\n", out)
		fmt.Fprintf(os.Stderr, "calculated %s", e.CalculatedAt.Format(time.RFC3339))
		if e.ExpiresAt != nil {
			fmt.Fprintf(os.Stderr, ", expires %s", e.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Fprintln(os.Stderr)
	},
}

var featuresGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete long-expired cached features",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			fail("%v", err)
		}
		defer rt.close()

		keep := gcKeepFlag
		if keep == 0 {
			keep = rt.cfg.Features.GCKeep
		}
		n, err := rt.cache.GC(ctx, keep)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("removed %d rows expired for more than %s\n", n, keep)
	},
}

func init() {
	featuresWarmCmd.Flags().StringVar(&warmRace, "race", "", "race to warm (14-digit race id)")
	featuresWarmCmd.MarkFlagRequired("race")

	featuresInvalidateCmd.Flags().StringVar(&invEntity, "entity", "", "entity id (race id + horse number)")
	featuresInvalidateCmd.Flags().StringVar(&invRace, "race", "", "race id")
	featuresInvalidateCmd.Flags().StringVar(&invType, "type", "", "feature type")

	featuresGCCmd.Flags().DurationVar(&gcKeepFlag, "keep", 0, "how long expired rows stay (default from config)")

	featuresCmd.AddCommand(featuresWarmCmd)
	featuresCmd.AddCommand(featuresInvalidateCmd)
	featuresCmd.AddCommand(featuresGetCmd)
	featuresCmd.AddCommand(featuresGCCmd)
	rootCmd.AddCommand(featuresCmd)
}
