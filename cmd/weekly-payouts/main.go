// weekly-payouts lists users whose available balance reaches the weekly minimum and, with
// -calculate, opens or merges their payout batches. -transfer then sends a Stripe transfer for
// every open batch without one.
//
// Usage:
//   go run ./cmd/weekly-payouts -currency aud -min 20 [-calculate] [-transfer]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/kickback_backend/config"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/mmdatafocus/kickback_backend/workflow"
	"github.com/shopspring/decimal"
)

func main() {
	settings := config.Settings()
	currency := flag.String("currency", settings.DefaultCurrency, "Payout currency")
	minStr := flag.String("min", settings.WeeklyPayoutMin.String(), "Minimum available balance")
	calculate := flag.Bool("calculate", false, "Open or merge batches for the listed users")
	transfer := flag.Bool("transfer", false, "Send Stripe transfers for open batches")
	flag.Parse()

	minAmount, err := decimal.NewFromString(*minStr)
	if err != nil || minAmount.IsNegative() {
		fmt.Fprintf(os.Stderr, "invalid -min %q\n", *minStr)
		os.Exit(1)
	}
	cur := utils.NormalizeCurrency(*currency)

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	candidates, err := workflow.WeeklyPayoutCandidates(ctx, db, minAmount, cur)
	if err != nil {
		fmt.Fprintf(os.Stderr, "weekly candidates: %v\n", err)
		os.Exit(1)
	}
	userIds := make([]string, 0, len(candidates))
	for _, p := range candidates {
		fmt.Printf("user=%s available=%s stripe=%s\n", p.UserId, p.Available.StringFixed(2), utils.DerefString(p.StripeAccountId))
		userIds = append(userIds, p.UserId)
	}
	fmt.Printf("%d users at or above %s %s\n", len(candidates), minAmount.StringFixed(2), cur)

	if *calculate && len(userIds) > 0 {
		results, err := workflow.CalculatePayouts(ctx, db, cur, userIds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "calculate payouts: %v\n", err)
			os.Exit(1)
		}
		for _, r := range results {
			if r.Error != "" {
				config.LogError(logger, "cmd/weekly-payouts", "main", "calculate", r.UserId, errors.New(r.Error))
				continue
			}
			fmt.Printf("batch=%s user=%s amount=%s claims=%d\n", r.Batch.ID, r.UserId, r.Batch.Amount.StringFixed(2), r.Batch.ClaimCount)
		}
	}

	if *transfer {
		client, err := rails.NewStripeClient()
		if err != nil {
			fmt.Fprintf(os.Stderr, "stripe: %v\n", err)
			os.Exit(1)
		}
		report, err := workflow.SendOpenBatchTransfers(ctx, db, client, cur)
		if err != nil {
			fmt.Fprintf(os.Stderr, "send transfers: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("transfers: sent=%d skipped=%d failed=%d\n", len(report.Sent), len(report.Skipped), len(report.Failed))
		for _, f := range report.Failed {
			fmt.Fprintf(os.Stderr, "batch=%s user=%s: %s\n", f.BatchId, f.UserId, f.Reason)
		}
		if len(report.Failed) > 0 {
			os.Exit(2)
		}
	}
}
