package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/models"
)

// seed-defaults loads the standard fee type catalog into an empty
// installation. Safe to re-run: it refuses to touch a register that already
// has fee types unless -force is given, and even then only inserts codes that
// are missing.
func main() {
	force := flag.Bool("force", false, "Insert missing default fee types even when the table is not empty")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	models.MigrateTable()

	var count int64
	if err := db.WithContext(ctx).Model(&models.FeeType{}).Count(&count).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to count fee types: %v\n", err)
		os.Exit(1)
	}
	if count > 0 && !*force {
		fmt.Printf("fee_types already has %d rows; nothing to do (use -force to insert missing defaults)\n", count)
		return
	}

	tx := db.WithContext(ctx).Begin()
	defer tx.Rollback()

	created, err := models.CreateDefaultFeeTypes(tx, ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed default fee types: %v\n", err)
		os.Exit(1)
	}
	if err := tx.Commit().Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to commit: %v\n", err)
		os.Exit(1)
	}

	for _, ft := range created {
		fmt.Printf("created fee type %s (%s)\n", ft.Code, ft.Name)
	}
	fmt.Printf("seeded %d fee types\n", len(created))
}
