package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/models"
	"github.com/eduadmin/cashbook_backend/utils"
)

// cashday-recheck recomputes the expected cash for stored day closings and
// reports any drift between what was persisted at close time and what the
// ledger says now. Read-only: closings are immutable, so a mismatch is
// something to investigate, never something to patch in place.
func main() {
	from := flag.String("from", "", "Optional: start date (YYYY-MM-DD). Defaults to the earliest closing.")
	to := flag.String("to", "", "Optional: end date (YYYY-MM-DD). Defaults to today.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	query := db.WithContext(ctx).Model(&models.CashDayClosing{})
	if *from != "" {
		fromDate, err := utils.ParseDateString(*from)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -from: %v\n", err)
			os.Exit(1)
		}
		query = query.Where("closing_date >= ?", fromDate)
	}
	if *to != "" {
		toDate, err := utils.ParseDateString(*to)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -to: %v\n", err)
			os.Exit(1)
		}
		query = query.Where("closing_date <= ?", toDate)
	}

	var closings []models.CashDayClosing
	if err := query.Order("closing_date").Find(&closings).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list closings: %v\n", err)
		os.Exit(1)
	}
	if len(closings) == 0 {
		fmt.Println("no closings found in range")
		return
	}

	var drifted int
	for _, closing := range closings {
		day := closing.ClosingDate.Format(utils.DateLayout)
		cashReceipts, deposits, expenses, err := models.ComputeExpectedCashParts(ctx, db, closing.ClosingDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: recompute failed: %v\n", day, err)
			os.Exit(1)
		}
		expected := models.ExpectedCash(cashReceipts, deposits, expenses)
		if expected.Equal(closing.ExpectedCash) {
			continue
		}
		drifted++
		fmt.Printf("%s: stored expected=%s recomputed=%s (receipts=%s deposits=%s expenses=%s, closed at %s)\n",
			day,
			closing.ExpectedCash.StringFixed(2),
			expected.StringFixed(2),
			cashReceipts.StringFixed(2),
			deposits.StringFixed(2),
			expenses.StringFixed(2),
			closing.ClosedAt.Format(time.RFC3339),
		)
	}

	fmt.Printf("checked %d closings, %d drifted\n", len(closings), drifted)
	if drifted > 0 {
		os.Exit(2)
	}
}
