// Command archivenow runs one archival pass for a site immediately,
// outside the scheduled cron cadence. Useful for forcing a hot-store
// cleanup before a maintenance window, or for re-running after a cold
// store outage left the last scheduled pass incomplete.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"sensorlake/internal/archive"
	"sensorlake/internal/coldstore"
	"sensorlake/internal/config"
	"sensorlake/internal/dbpool"
	"sensorlake/internal/hotstore"
	"sensorlake/internal/statestore"
)

func main() {
	site := flag.String("site", "", "site name to archive")
	reconcile := flag.Bool("reconcile", false, "instead of archiving, reconcile archive_state against what cold storage actually holds")
	configPath := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	if *site == "" {
		fmt.Fprintln(os.Stderr, "usage: archivenow -site=<name> [-reconcile]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := dbpool.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	hot := hotstore.NewPGStore(pool)
	state := statestore.NewPGStore(pool)
	cold, err := coldstore.NewS3Store(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cold store: %v\n", err)
		os.Exit(1)
	}

	if *reconcile {
		fixed, err := archive.Reconcile(ctx, cold, state, *site)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reconciled %d day(s): %v\n", len(fixed), fixed)
		return
	}

	worker := archive.NewWorker(hot, cold, state, archive.Config{HotWindowDays: cfg.HotWindowDays})
	results, err := worker.Run(ctx, *site)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive run: %v\n", err)
		os.Exit(1)
	}
	for _, r := range results {
		fmt.Printf("%s  %-16s  rows=%d  %s\n", r.Day, r.Outcome, r.RowCount, r.Detail)
	}
}
