package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"market_alerts/migrations"
)

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/alerts.db"), "path to sqlite database")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-db path] <command>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  up          Migrate to the latest version")
		fmt.Fprintln(os.Stderr, "  up-one      Migrate one version up")
		fmt.Fprintln(os.Stderr, "  down        Roll back one version")
		fmt.Fprintln(os.Stderr, "  status      Show migration status")
		fmt.Fprintln(os.Stderr, "  version     Show current version")
		fmt.Fprintln(os.Stderr, "  reset       Roll back all migrations")
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	p, err := migrations.NewProvider(db)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx := context.Background()
	cmd := args[0]
	switch cmd {
	case "up":
		var res []*goose.MigrationResult
		res, err = p.Up(ctx)
		printResults(res...)
	case "up-one":
		var res *goose.MigrationResult
		res, err = p.UpByOne(ctx)
		printResults(res)
	case "down":
		var res *goose.MigrationResult
		res, err = p.Down(ctx)
		printResults(res)
	case "reset":
		var res []*goose.MigrationResult
		res, err = p.DownTo(ctx, 0)
		printResults(res...)
	case "status":
		var statuses []*goose.MigrationStatus
		statuses, err = p.Status(ctx)
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s %s\n", applied, s.Source.Path)
		}
	case "version":
		var v int64
		v, err = p.GetDBVersion(ctx)
		fmt.Printf("version %d\n", v)
	default:
		log.Fatalf("unknown command: %s", cmd)
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func printResults(res ...*goose.MigrationResult) {
	for _, r := range res {
		if r == nil || r.Source == nil {
			continue
		}
		fmt.Printf("%-4s %s (%s)\n", r.Direction, r.Source.Path, r.Duration)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
