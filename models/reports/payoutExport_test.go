package reports

import (
	"bytes"
	"testing"
	"time"

	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func TestExportPayouts(t *testing.T) {
	created := time.Date(2026, 3, 9, 1, 2, 3, 0, time.UTC)
	rows := []PayoutRow{
		{
			Batch: models.PayoutBatch{
				ID: "payout_1_abcd", UserId: "u-1", Currency: "aud",
				Amount: decimal.RequireFromString("12.50"), ClaimCount: 3,
				Status: models.PayoutBatchStatusUnpaid, CreatedAt: created,
			},
			Profile: &models.PayoutProfile{UserId: "u-1", Email: utils.NewString("a@example.com"), StripeAccountId: utils.NewString("acct_1")},
		},
		{
			Batch: models.PayoutBatch{
				ID: "payout_2_efgh", UserId: "u-2", Currency: "aud",
				Amount: decimal.RequireFromString("20"), ClaimCount: 1,
				Status: models.PayoutBatchStatusUnpaid, CreatedAt: created,
			},
		},
	}

	data, err := ExportPayouts(rows)
	if err != nil {
		t.Fatalf("ExportPayouts: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	got, err := f.GetRows(PayoutSheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("rows = %d, want 3", len(got))
	}
	if got[0][0] != "BatchId" || got[0][7] != "Amount" {
		t.Fatalf("headings = %v", got[0])
	}
	if got[1][0] != "payout_1_abcd" || got[1][2] != "a@example.com" || got[1][3] != "acct_1" || got[1][7] != "12.5" {
		t.Fatalf("first row = %v", got[1])
	}
	if got[2][1] != "u-2" || got[2][2] != "" {
		t.Fatalf("second row = %v", got[2])
	}
}
