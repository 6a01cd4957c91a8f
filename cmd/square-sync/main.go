// square-sync queues a sync run for every connected Square venue. Runs are published to the
// sync topic; with -inline (or when publishing fails) they are processed in this process.
//
// Usage:
//   go run ./cmd/square-sync [-venue-id 12] [-inline] [-continue-on-error]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/squaresync"
)

func main() {
	venueID := flag.Int("venue-id", 0, "Optional: only this venue")
	inline := flag.Bool("inline", false, "Process runs here instead of publishing them")
	continueOnError := flag.Bool("continue-on-error", true, "Keep going when one venue fails")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()
	logger := config.GetLogger()

	conns, err := models.ConnectedSquareConnections(ctx, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list connections: %v\n", err)
		os.Exit(1)
	}

	worker := squaresync.NewWorker(db)
	queued, processed, failed := 0, 0, 0
	for _, conn := range conns {
		if *venueID > 0 && conn.VenueId != *venueID {
			continue
		}
		run, err := worker.Enqueue(ctx, conn.VenueId, models.SyncTriggeredCron, nil)
		if err != nil {
			failed++
			config.LogError(logger, "cmd/square-sync", "main", "enqueue", conn.VenueId, err)
			if !*continueOnError {
				os.Exit(1)
			}
			continue
		}
		if !*inline {
			err := squaresync.PublishSyncRun(ctx, run.ID, run.VenueId)
			if err == nil {
				queued++
				continue
			}
			config.LogError(logger, "cmd/square-sync", "main", "publish; processing inline", run.ID, err)
		}
		done, err := worker.Process(ctx, run.ID)
		if errors.Is(err, squaresync.ErrSyncInProgress) {
			fmt.Printf("venue=%d run=%d skipped: sync already running\n", run.VenueId, run.ID)
			continue
		}
		if err != nil {
			failed++
			config.LogError(logger, "cmd/square-sync", "main", "process", run.ID, err)
			if !*continueOnError {
				os.Exit(1)
			}
			continue
		}
		processed++
		fmt.Printf("venue=%d run=%d status=%s payments=%d errors=%d\n", done.VenueId, done.ID, done.Status, done.PaymentsSeen, done.ErrorCount)
	}

	fmt.Printf("square sync: connections=%d queued=%d processed=%d failed=%d\n", len(conns), queued, processed, failed)
	if failed > 0 {
		os.Exit(2)
	}
}
