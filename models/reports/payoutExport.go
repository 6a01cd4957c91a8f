package reports

import (
	"bytes"
	"fmt"

	"github.com/mmdatafocus/kickback_backend/models"
	"github.com/mmdatafocus/kickback_backend/utils"
	"github.com/xuri/excelize/v2"
)

const PayoutSheet = "Payouts"

// ExcelExporter is one spreadsheet row.
type ExcelExporter interface {
	GetCellValues() []interface{}
}

var PayoutHeadings = []string{
	"BatchId", "UserId", "Email", "StripeAccountId", "PayIdType", "PayId",
	"Currency", "Amount", "ClaimCount", "Status", "CreatedAt", "PaidAt", "ExternalRef",
}

// PayoutRow is an unpaid or paid batch with where its money should go.
type PayoutRow struct {
	Batch   models.PayoutBatch
	Profile *models.PayoutProfile
}

func (r PayoutRow) GetCellValues() []interface{} {
	var email, account, payIdType, payId string
	if r.Profile != nil {
		email = utils.DerefString(r.Profile.Email)
		account = utils.DerefString(r.Profile.StripeAccountId)
		payIdType = utils.DerefString(r.Profile.PayIdType)
		payId = utils.DerefString(r.Profile.PayIdValue)
	}
	paidAt := ""
	if r.Batch.PaidAt != nil {
		paidAt = r.Batch.PaidAt.UTC().Format("2006-01-02 15:04:05")
	}
	amount, _ := r.Batch.Amount.Float64()
	return []interface{}{
		r.Batch.ID,
		r.Batch.UserId,
		email,
		account,
		payIdType,
		payId,
		r.Batch.Currency,
		amount,
		r.Batch.ClaimCount,
		string(r.Batch.Status),
		r.Batch.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		paidAt,
		utils.DerefString(r.Batch.ExternalRef),
	}
}

// ExportExcel writes one sheet with a heading row followed by the rows' cell values.
func ExportExcel(sheetName string, data []ExcelExporter, headings ...string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}
	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return nil, err
		}
	}

	rowNo := 2
	for _, d := range data {
		for i, value := range d.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return nil, err
			}
		}
		rowNo++
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

func ExportPayouts(rows []PayoutRow) ([]byte, error) {
	data := make([]ExcelExporter, 0, len(rows))
	for _, r := range rows {
		data = append(data, r)
	}
	return ExportExcel(PayoutSheet, data, PayoutHeadings...)
}
