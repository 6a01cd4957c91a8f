package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/workflow"
)

func main() {
	venueID := flag.Int("venue-id", 0, "Recompute every claim of this venue")
	claimIDs := flag.String("claim-ids", "", "Comma-separated claim ids")
	pageSize := flag.Int("page-size", 500, "Claims per transaction when recomputing a venue")
	allVenues := flag.Bool("all", false, "Recompute every venue")
	flag.Parse()

	ids, err := parseIds(*claimIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --claim-ids: %v\n", err)
		os.Exit(1)
	}
	if len(ids) == 0 && *venueID <= 0 && !*allVenues {
		fmt.Fprintln(os.Stderr, "one of --claim-ids, --venue-id or --all is required")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	if len(ids) > 0 {
		_, stats, err := workflow.RecomputeLedgerForClaimIds(ctx, db, ids)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recompute claims: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("claims: %+v\n", stats)
		return
	}

	venues := []int{*venueID}
	if *allVenues {
		venues = nil
		if err := db.WithContext(ctx).Model(&models.Venue{}).Order("id").Pluck("id", &venues).Error; err != nil {
			fmt.Fprintf(os.Stderr, "list venues: %v\n", err)
			os.Exit(1)
		}
	}
	for _, id := range venues {
		stats, err := workflow.RecomputeLedgerForVenue(ctx, db, id, *pageSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "venue=%d recompute failed: %v\n", id, err)
			os.Exit(1)
		}
		fmt.Printf("venue=%d %+v\n", id, stats)
	}
	fmt.Println("ledger recompute complete")
}

func parseIds(csv string) ([]int, error) {
	var out []int
	for _, p := range utils.SplitAndTrim(csv) {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad id %q", p)
		}
		out = append(out, n)
	}
	return utils.UniqueInts(out), nil
}
