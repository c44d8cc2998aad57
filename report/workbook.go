// Package report exports escrow transactions as an Excel workbook for finance review.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"escrowdesk/escrow"
)

const (
	SheetEscrows = "Escrows"
	SheetSummary = "Summary"
)

var escrowHeader = []any{
	"ID", "Order", "Amount", "Currency", "Status", "Customer", "Merchant",
	"Held Since", "Dispute Reason", "Evidence", "Escalated", "Resolution",
	"Customer Share", "Merchant Share", "Released At", "Version",
}

// WriteWorkbook writes one row per transaction plus a summary sheet built from stats.
func WriteWorkbook(w io.Writer, txs []escrow.Transaction, stats escrow.Stats) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetEscrows); err != nil {
		return fmt.Errorf("report: rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("report: style: %w", err)
	}

	if err := f.SetSheetRow(SheetEscrows, "A1", &escrowHeader); err != nil {
		return fmt.Errorf("report: header: %w", err)
	}
	if err := f.SetRowStyle(SheetEscrows, 1, 1, bold); err != nil {
		return fmt.Errorf("report: header style: %w", err)
	}
	for i, t := range txs {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := escrowRow(t)
		if err := f.SetSheetRow(SheetEscrows, cell, &row); err != nil {
			return fmt.Errorf("report: row %s: %w", t.ID, err)
		}
	}
	if err := f.SetPanes(SheetEscrows, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("report: freeze header: %w", err)
	}

	if _, err := f.NewSheet(SheetSummary); err != nil {
		return fmt.Errorf("report: summary sheet: %w", err)
	}
	summary := [][]any{
		{"Metric", "Value"},
		{"Total escrow balance", stats.HeldBalance.InexactFloat64()},
		{"Escalated disputes", stats.Escalated},
	}
	for _, s := range escrow.Statuses {
		summary = append(summary, []any{"Status: " + string(s), stats.Counts[s]})
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return fmt.Errorf("report: summary row: %w", err)
		}
	}
	if err := f.SetRowStyle(SheetSummary, 1, 1, bold); err != nil {
		return fmt.Errorf("report: summary style: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("report: write workbook: %w", err)
	}
	return nil
}

func escrowRow(t escrow.Transaction) []any {
	var customerShare, merchantShare any = "", ""
	if t.Split != nil {
		customerShare = t.Split.Customer.InexactFloat64()
		merchantShare = t.Split.Merchant.InexactFloat64()
	}
	return []any{
		t.ID,
		t.OrderID,
		t.Amount.InexactFloat64(),
		t.Currency,
		string(t.Status),
		t.CustomerID,
		t.MerchantID,
		formatTime(&t.HeldSince),
		t.DisputeReason,
		len(t.Evidence),
		t.Escalated,
		string(t.Resolution),
		customerShare,
		merchantShare,
		formatTime(t.ReleasedAt),
		t.Version,
	}
}

func formatTime(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
