// Command backfillctl drives a backfill job from the command line:
// create one (or resume an existing one with -job) and tick it to a
// terminal status, printing the job after every tick, without going
// through the HTTP surface. Useful for an initial
// historical import where an operator wants to watch progress
// synchronously rather than polling /backfill/status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"sensorlake/internal/backfill"
	"sensorlake/internal/coldstore"
	"sensorlake/internal/config"
	"sensorlake/internal/dbpool"
	"sensorlake/internal/hotstore"
	"sensorlake/internal/models"
	"sensorlake/internal/statestore"
	"sensorlake/internal/upstream"
)

func main() {
	site := flag.String("site", "", "site name to backfill")
	start := flag.String("start", "", "start date, YYYY-MM-DD (inclusive)")
	end := flag.String("end", "", "end date, YYYY-MM-DD (inclusive)")
	continueOnError := flag.Bool("continue-on-error", false, "keep going past per-day errors instead of failing the whole job")
	jobID := flag.String("job", "", "resume ticking an existing job id instead of creating one")
	configPath := flag.String("config", "", "optional YAML config overlay")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}

	ctx := context.Background()
	pool, err := dbpool.New(ctx, cfg)
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer pool.Close()

	hot := hotstore.NewPGStore(pool)
	state := statestore.NewPGStore(pool)
	cold, err := coldstore.NewS3Store(ctx, cfg)
	if err != nil {
		fatalf("cold store: %v", err)
	}
	up := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamToken, cfg.BackfillRequestsPerMinute, nil)

	worker := backfill.NewWorker(up, hot, cold, state, backfill.Config{
		MaxDaysPerInvocation: cfg.BackfillMaxDaysPerInvocation,
		MaxRangeDays:         cfg.BackfillMaxRangeDays,
		PageSize:             5000,
	})

	id := *jobID
	if id == "" {
		if *site == "" || *start == "" || *end == "" {
			fatalf("usage: backfillctl -site=<name> -start=YYYY-MM-DD -end=YYYY-MM-DD, or -job=<id> to resume")
		}
		job, err := worker.CreateJob(ctx, *site, *start, *end, *continueOnError)
		if err != nil {
			fatalf("create job: %v", err)
		}
		id = job.JobID
		fmt.Printf("created job %s\n", id)
	}

	for {
		job, err := worker.Tick(ctx, id)
		if err != nil {
			fatalf("tick: %v", err)
		}
		printJob(job)
		if terminal(job.Status) {
			return
		}
		time.Sleep(time.Second)
	}
}

func terminal(s models.BackfillStatus) bool {
	switch s {
	case models.BackfillCompleted, models.BackfillFailed, models.BackfillCancelled:
		return true
	default:
		return false
	}
}

func printJob(job models.BackfillJob) {
	data, _ := json.Marshal(job)
	fmt.Println(string(data))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
