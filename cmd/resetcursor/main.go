// Command resetcursor rewinds the sync cursor for one site back to the
// start of the hot window, so the next sync run re-pulls that window
// instead of resuming from wherever the cursor was left. Used after a
// hot-store incident where the operator would rather re-pull a clean
// window than trust the last recorded cursor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"sensorlake/internal/config"
	"sensorlake/internal/dbpool"
	"sensorlake/internal/statestore"
)

func main() {
	site := flag.String("site", "", "site name to reset the sync cursor for")
	configPath := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	if *site == "" {
		fmt.Fprintln(os.Stderr, "usage: resetcursor -site=<name>")
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

	state := statestore.NewPGStore(pool)
	_, had, err := state.GetCursor(ctx, *site)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read cursor: %v\n", err)
		os.Exit(1)
	}
	if !had {
		fmt.Printf("no cursor set for %q; nothing to reset\n", *site)
		return
	}

	windowStart := time.Now().UTC().AddDate(0, 0, -cfg.HotWindowDays).UnixMilli()
	if err := state.SetCursor(ctx, *site, windowStart); err != nil {
		fmt.Fprintf(os.Stderr, "reset cursor: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("cursor for %q reset to the start of the %d-day hot window\n", *site, cfg.HotWindowDays)
}
