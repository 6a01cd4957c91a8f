package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/rails"
	"github.com/mmdatafocus/kickback_backend/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openSettlementDB(t *testing.T) *gorm.DB {
	t.Helper()
	t.Setenv("LEDGER_VENUEPAID_HOLD", "")
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "kickback.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.Claim{}, &models.CardBinding{},
		&models.LedgerEntry{}, &models.PayoutBatch{}, &models.PayoutBatchClaim{}, &models.PayoutProfile{},
		&models.NotificationOutbox{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

var weekStart = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func seedClaim(t *testing.T, db *gorm.DB, submitter, referrer string, status models.ClaimStatus) models.Claim {
	t.Helper()
	c := models.Claim{
		VenueId:      7,
		SubmitterId:  submitter,
		Amount:       dec("100.00"),
		Currency:     "aud",
		Last4:        "4242",
		PurchasedAt:  weekStart.Add(26 * time.Hour),
		GuestRate:    dec("5"),
		ReferrerRate: dec("3"),
		Status:       status,
		Source:       models.ClaimSourceManual,
	}
	if referrer != "" {
		c.ReferrerId = utils.NewString(referrer)
	}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("create claim: %v", err)
	}
	return c
}

func recompute(t *testing.T, db *gorm.DB, claimIds ...int) RecomputeStats {
	t.Helper()
	_, stats, err := RecomputeLedgerForClaimIds(context.Background(), db, claimIds)
	if err != nil {
		t.Fatalf("RecomputeLedger: %v", err)
	}
	return stats
}

func loadClaim(t *testing.T, db *gorm.DB, id int) models.Claim {
	t.Helper()
	c, err := models.GetClaim(context.Background(), db, id)
	if err != nil {
		t.Fatalf("GetClaim: %v", err)
	}
	return *c
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// openBatchFor runs CalculatePayouts for one user and returns the batch it opened or merged into.
func openBatchFor(t *testing.T, db *gorm.DB, userId string) *models.PayoutBatch {
	t.Helper()
	results, err := CalculatePayouts(context.Background(), db, "aud", []string{userId})
	if err != nil {
		t.Fatalf("CalculatePayouts: %v", err)
	}
	if len(results) != 1 || results[0].Batch == nil || results[0].Error != "" {
		t.Fatalf("expected one batch for %s, got %+v", userId, results)
	}
	return results[0].Batch
}

type countingRail struct {
	calls []rails.TransferRequest
}

func (r *countingRail) CreateTransfer(ctx context.Context, req rails.TransferRequest) (string, error) {
	r.calls = append(r.calls, req)
	return "tr_test", nil
}

func TestBind_FirstUserOwnsCardForGood(t *testing.T) {
	db := openSettlementDB(t)
	ctx := context.Background()
	at := weekStart.Add(time.Hour)

	tests := []struct {
		user string
		want models.WriteOutcome
	}{
		{"guest-1", models.WriteCreated},
		{"guest-1", models.WriteAlreadyExists},
		{"guest-2", models.WriteConflict},
		{"guest-1", models.WriteAlreadyExists},
	}
	for i, tt := range tests {
		got, err := Bind(ctx, db, 7, "fp-1", tt.user, 1, at)
		if err != nil {
			t.Fatalf("bind %d: %v", i, err)
		}
		if got != tt.want {
			t.Fatalf("bind %d as %s: got %s want %s", i, tt.user, got, tt.want)
		}
	}

	owner, found, err := ResolveOwner(ctx, db, 7, "fp-1")
	if err != nil || !found || owner != "guest-1" {
		t.Fatalf("expected guest-1 to own the card, got %q found=%v err=%v", owner, found, err)
	}
	if err := AssertNotConflicting(ctx, db, 7, "fp-1", "guest-2"); utils.HTTPStatus(err) != 409 {
		t.Fatalf("expected conflict for another user, got %v", err)
	}
	if err := AssertNotConflicting(ctx, db, 7, "fp-1", "guest-1"); err != nil {
		t.Fatalf("owner should not conflict: %v", err)
	}
	// Same card at another venue is a separate binding.
	if got, err := Bind(ctx, db, 8, "fp-1", "guest-2", 2, at); err != nil || got != models.WriteCreated {
		t.Fatalf("expected new binding at venue 8, got %s err=%v", got, err)
	}
	if n := countRows(t, db, &models.CardBinding{}); n != 2 {
		t.Fatalf("expected 2 bindings, got %d", n)
	}
}

func TestRecomputeLedger_ReplayLeavesRowsUntouched(t *testing.T) {
	db := openSettlementDB(t)
	c := seedClaim(t, db, "guest-1", "referrer-1", models.ClaimStatusPaid)

	first := recompute(t, db, c.ID)
	if first.Created != 2 || first.Updated != 0 {
		t.Fatalf("first run: %+v", first)
	}
	var before []models.LedgerEntry
	if err := db.Order("id ASC").Find(&before).Error; err != nil {
		t.Fatalf("load ledger: %v", err)
	}

	second := recompute(t, db, c.ID)
	if second.Created != 0 || second.Updated != 0 || second.Unchanged != 2 {
		t.Fatalf("replay wrote rows: %+v", second)
	}
	var after []models.LedgerEntry
	if err := db.Order("id ASC").Find(&after).Error; err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("row count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		b, a := before[i], after[i]
		if b.ID != a.ID || b.Status != a.Status || !b.Amount.Equal(a.Amount) || !b.UpdatedAt.Equal(a.UpdatedAt) {
			t.Fatalf("entry %d changed on replay: %+v -> %+v", b.ID, b, a)
		}
	}

	entries := ledgerFor(t, db, c.ID)
	if e := entries["guest-1/guest"]; !e.Amount.Equal(dec("5")) || e.Status != models.LedgerStatusAvailable {
		t.Fatalf("guest entry: %+v", e)
	}
	if e := entries["referrer-1/referrer"]; !e.Amount.Equal(dec("3")) || e.Status != models.LedgerStatusAvailable {
		t.Fatalf("referrer entry: %+v", e)
	}
}

func TestUpdateClaimStatuses_RewritesLedgerInPlace(t *testing.T) {
	db := openSettlementDB(t)
	ctx := context.Background()
	c := seedClaim(t, db, "guest-1", "referrer-1", models.ClaimStatusPending)
	recompute(t, db, c.ID)
	before := ledgerFor(t, db, c.ID)

	steps := []struct {
		status string
		want   models.LedgerStatus
	}{
		{"approved", models.LedgerStatusApproved},
		{"denied", models.LedgerStatusDenied},
	}
	for _, step := range steps {
		report, err := UpdateClaimStatuses(ctx, db, []ClaimStatusChange{{ClaimId: c.ID, Status: step.status}})
		if err != nil {
			t.Fatalf("UpdateClaimStatuses(%s): %v", step.status, err)
		}
		if len(report.Updated) != 1 {
			t.Fatalf("UpdateClaimStatuses(%s): %+v", step.status, report)
		}
		after := ledgerFor(t, db, c.ID)
		if len(after) != len(before) {
			t.Fatalf("%s: ledger rows %d -> %d", step.status, len(before), len(after))
		}
		for key, e := range after {
			if e.ID != before[key].ID {
				t.Fatalf("%s: %s got a new row %d (was %d)", step.status, key, e.ID, before[key].ID)
			}
			if e.Status != step.want {
				t.Fatalf("%s: %s status %s want %s", step.status, key, e.Status, step.want)
			}
		}
	}
	if n := countRows(t, db, &models.LedgerEntry{}); n != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", n)
	}
}

func TestOpenOrMergeBatch_SameClaimCountsOnce(t *testing.T) {
	db := openSettlementDB(t)
	ctx := context.Background()

	batch, stats, err := OpenOrMergeBatch(ctx, db, "guest-1", "AUD", []models.BatchContribution{
		{ClaimId: 1, Amount: dec("5")},
		{ClaimId: 1, Amount: dec("5")},
	})
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if !stats.Created || stats.Added != 1 || !stats.AddedAmount.Equal(dec("5")) {
		t.Fatalf("first merge stats: %+v", stats)
	}

	again, stats, err := OpenOrMergeBatch(ctx, db, "guest-1", "aud", []models.BatchContribution{
		{ClaimId: 1, Amount: dec("5")},
		{ClaimId: 2, Amount: dec("3")},
	})
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if again.ID != batch.ID || stats.Created || stats.Added != 1 || stats.Skipped != 1 {
		t.Fatalf("second merge: batch=%s stats=%+v", again.ID, stats)
	}

	stored, err := GetPayoutBatch(ctx, db, batch.ID)
	if err != nil {
		t.Fatalf("GetPayoutBatch: %v", err)
	}
	if !stored.Amount.Equal(dec("8")) || stored.ClaimCount != 2 || len(stored.Claims) != 2 {
		t.Fatalf("expected 8.00 over 2 claims, got %s over %d (%d rows)", stored.Amount, stored.ClaimCount, len(stored.Claims))
	}
}

func TestOpenOrMergeBatch_SkipsClaimsAlreadyPaidOut(t *testing.T) {
	db := openSettlementDB(t)
	ctx := context.Background()
	contributions := []models.BatchContribution{{ClaimId: 1, Amount: dec("5")}}

	first, _, err := OpenOrMergeBatch(ctx, db, "guest-1", "aud", contributions)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := db.Model(&models.PayoutBatch{}).Where("id = ?", first.ID).
		Updates(map[string]interface{}{"status": models.PayoutBatchStatusPaid, "open_key": nil}).Error; err != nil {
		t.Fatalf("close batch: %v", err)
	}

	_, stats, err := OpenOrMergeBatch(ctx, db, "guest-1", "aud", contributions)
	if err != nil {
		t.Fatalf("merge after payout: %v", err)
	}
	if stats.Added != 0 || stats.Skipped != 1 || !stats.AddedAmount.IsZero() {
		t.Fatalf("claim paid in %s was batched again: %+v", first.ID, stats)
	}
}

func TestMarkBatchPaid_UserHoldingBothRoles(t *testing.T) {
	db := openSettlementDB(t)
	ctx := context.Background()
	c := seedClaim(t, db, "guest-1", "guest-1", models.ClaimStatusPaid)
	recompute(t, db, c.ID)

	batch := openBatchFor(t, db, "guest-1")
	if !batch.Amount.Equal(dec("8")) || batch.ClaimCount != 1 {
		t.Fatalf("expected one 8.00 contribution, got %s over %d", batch.Amount, batch.ClaimCount)
	}

	report, err := MarkBatchPaid(ctx, db, batch.ID, "po_1")
	if err != nil {
		t.Fatalf("MarkBatchPaid: %v", err)
	}
	if len(report.Settled) != 1 || report.LedgerUpdated != 2 {
		t.Fatalf("report: %+v", report)
	}
	if got := loadClaim(t, db, c.ID).Status; got != models.ClaimStatusPaidOut {
		t.Fatalf("expected paidout, got %s", got)
	}
	for key, e := range ledgerFor(t, db, c.ID) {
		if e.Status != models.LedgerStatusPaidOut || utils.DerefString(e.SourceRef) != batch.ID {
			t.Fatalf("%s: status=%s source=%s", key, e.Status, utils.DerefString(e.SourceRef))
		}
	}
}

func TestMarkBatchPaid_RefPaidClaimCompletesOnGuestPayout(t *testing.T) {
	db := openSettlementDB(t)
	ctx := context.Background()
	c := seedClaim(t, db, "guest-1", "referrer-1", models.ClaimStatusRefPaid)
	recompute(t, db, c.ID)

	entries := ledgerFor(t, db, c.ID)
	if entries["referrer-1/referrer"].Status != models.LedgerStatusPaidOut || entries["guest-1/guest"].Status != models.LedgerStatusAvailable {
		t.Fatalf("unexpected ledger before payout: %+v", entries)
	}
	if results, err := CalculatePayouts(ctx, db, "aud", []string{"referrer-1"}); err != nil || len(results) != 0 {
		t.Fatalf("referrer has nothing available, got %+v err=%v", results, err)
	}

	batch := openBatchFor(t, db, "guest-1")
	report, err := MarkBatchPaid(ctx, db, batch.ID, "po_2")
	if err != nil {
		t.Fatalf("MarkBatchPaid: %v", err)
	}
	if report.LedgerUpdated != 1 {
		t.Fatalf("expected only the guest entry to move, got %+v", report)
	}
	if got := loadClaim(t, db, c.ID).Status; got != models.ClaimStatusPaidOut {
		t.Fatalf("expected paidout, got %s", got)
	}
	if e := ledgerFor(t, db, c.ID)["referrer-1/referrer"]; utils.DerefString(e.SourceRef) == batch.ID {
		t.Fatalf("referrer entry should keep its earlier payout")
	}
}

func TestMarkBatchPaid_UnsettleableClaimKeepsBatchOpen(t *testing.T) {
	db := openSettlementDB(t)
	ctx := context.Background()
	c := seedClaim(t, db, "guest-1", "", models.ClaimStatusApproved)
	recompute(t, db, c.ID)
	if _, err := PromoteBalances(ctx, db, PromoteApprovedToAvailable); err != nil {
		t.Fatalf("PromoteBalances: %v", err)
	}
	batch := openBatchFor(t, db, "guest-1")

	for i := 0; i < 2; i++ {
		report, err := MarkBatchPaid(ctx, db, batch.ID, "po_3")
		if utils.HTTPStatus(err) != 409 {
			t.Fatalf("attempt %d: expected conflict, got %v", i, err)
		}
		if report.AlreadyPaid || len(report.Settled) != 0 || len(report.Failed) != 1 || report.Failed[0].ClaimId != c.ID {
			t.Fatalf("attempt %d: report %+v", i, report)
		}
	}
	stored, err := GetPayoutBatch(ctx, db, batch.ID)
	if err != nil {
		t.Fatalf("GetPayoutBatch: %v", err)
	}
	if stored.Status != models.PayoutBatchStatusUnpaid || stored.OpenKey == nil || stored.ExternalRef != nil {
		t.Fatalf("batch should be untouched, got %+v", stored)
	}
	if e := ledgerFor(t, db, c.ID)["guest-1/guest"]; e.Status != models.LedgerStatusAvailable {
		t.Fatalf("ledger moved on a failed payout: %s", e.Status)
	}

	// The claim stays in the same open batch instead of joining a second one.
	if again := openBatchFor(t, db, "guest-1"); again.ID != batch.ID || !again.Amount.Equal(dec("5")) {
		t.Fatalf("expected the same 5.00 batch, got %s %s", again.ID, again.Amount)
	}

	if _, err := UpdateClaimStatuses(ctx, db, []ClaimStatusChange{{ClaimId: c.ID, Status: "paid"}}); err != nil {
		t.Fatalf("UpdateClaimStatuses: %v", err)
	}
	report, err := MarkBatchPaid(ctx, db, batch.ID, "po_3")
	if err != nil {
		t.Fatalf("MarkBatchPaid after venue paid: %v", err)
	}
	if len(report.Settled) != 1 || report.LedgerUpdated != 1 {
		t.Fatalf("report: %+v", report)
	}
	if got := loadClaim(t, db, c.ID).Status; got != models.ClaimStatusPaidOut {
		t.Fatalf("expected paidout, got %s", got)
	}
	if results, err := CalculatePayouts(ctx, db, "aud", nil); err != nil || len(results) != 0 {
		t.Fatalf("nothing should be left to batch, got %+v err=%v", results, err)
	}
	if n := countRows(t, db, &models.PayoutBatch{}); n != 1 {
		t.Fatalf("expected a single batch, got %d", n)
	}
}

func TestSettleVenueWeek_HeldEarningsPaidOnce(t *testing.T) {
	db := openSettlementDB(t)
	ctx := context.Background()
	t.Setenv("LEDGER_VENUEPAID_HOLD", "true")
	c := seedClaim(t, db, "guest-1", "", models.ClaimStatusApproved)
	recompute(t, db, c.ID)
	if err := db.Create(&models.PayoutProfile{UserId: "guest-1", StripeAccountId: utils.NewString("acct_1")}).Error; err != nil {
		t.Fatalf("create profile: %v", err)
	}

	settled, err := SettleVenueWeek(ctx, db, 7, weekStart, weekStart.Add(7*24*time.Hour), "week:1")
	if err != nil {
		t.Fatalf("SettleVenueWeek: %v", err)
	}
	if settled.Settled != 1 || len(settled.Batches) != 0 {
		t.Fatalf("expected one claim settled and no batch while held, got %+v", settled)
	}
	if e := ledgerFor(t, db, c.ID)["guest-1/guest"]; e.Status != models.LedgerStatusVenuePaid {
		t.Fatalf("expected venuepaid, got %s", e.Status)
	}

	rail := &countingRail{}
	sent, err := SendOpenBatchTransfers(ctx, db, rail, "aud")
	if err != nil {
		t.Fatalf("SendOpenBatchTransfers: %v", err)
	}
	if len(sent.Sent) != 0 || len(rail.calls) != 0 {
		t.Fatalf("no batch should be transferred, got %+v", sent)
	}

	moved, err := TransferUserBalance(ctx, db, rail, "guest-1", "aud")
	if err != nil {
		t.Fatalf("TransferUserBalance: %v", err)
	}
	if len(rail.calls) != 1 || rail.calls[0].AmountCents != 500 || moved.UpdatedRows != 1 {
		t.Fatalf("expected one 500c transfer, got %+v calls=%d", moved, len(rail.calls))
	}
}

func TestTransferUserBalance_SkipsClaimsInOpenBatch(t *testing.T) {
	db := openSettlementDB(t)
	ctx := context.Background()
	t.Setenv("LEDGER_VENUEPAID_HOLD", "true")
	c := seedClaim(t, db, "guest-1", "", models.ClaimStatusPaid)
	recompute(t, db, c.ID)
	if err := db.Create(&models.PayoutProfile{UserId: "guest-1", StripeAccountId: utils.NewString("acct_1")}).Error; err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if _, _, err := OpenOrMergeBatch(ctx, db, "guest-1", "aud", []models.BatchContribution{{ClaimId: c.ID, Amount: dec("5")}}); err != nil {
		t.Fatalf("OpenOrMergeBatch: %v", err)
	}

	rail := &countingRail{}
	_, err := TransferUserBalance(ctx, db, rail, "guest-1", "aud")
	if utils.HTTPStatus(err) != 400 {
		t.Fatalf("expected no transferable balance, got %v", err)
	}
	if len(rail.calls) != 0 {
		t.Fatalf("batched claim was transferred again: %+v", rail.calls)
	}
}
