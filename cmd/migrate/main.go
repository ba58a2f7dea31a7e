// Command migrate applies the authorization schema and seed data to Postgres.
//
// Usage:
//
//	migrate -dsn postgres://... up
//	migrate -dsn postgres://... status
//	migrate -dsn postgres://... pending
//	migrate -dsn postgres://... seed
//	migrate -dsn postgres://... down
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"newstrnt.org/internal/migrate"
	"newstrnt.org/internal/store/pg"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("NEWSTRNT_PG_DSN"), "postgres dsn (defaults to NEWSTRNT_PG_DSN)")
	migrationsDir := flag.String("migrations", "ops/migrations/sql", "path to migration files")
	seedsDir := flag.String("seeds", "ops/migrations/seeds", "path to seed files")
	flag.Parse()

	if *dsn == "" {
		fatal("dsn required: pass -dsn or set NEWSTRNT_PG_DSN")
	}
	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "up"
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		fatal("open database: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	mgr := migrate.NewManager(store.DB(), *migrationsDir, *seedsDir)

	switch cmd {
	case "up":
		if err := mgr.Up(ctx); err != nil {
			fatal("migrate up: %v", err)
		}
		fmt.Println("migrations applied")
	case "down":
		if err := mgr.Down(ctx); err != nil {
			fatal("migrate down: %v", err)
		}
		fmt.Println("last migration rolled back")
	case "seed":
		if err := mgr.Seed(ctx); err != nil {
			fatal("seed: %v", err)
		}
		fmt.Println("seeds applied")
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			fatal("status: %v", err)
		}
		if len(applied) == 0 {
			fmt.Println("no migrations applied")
			return
		}
		for _, name := range applied {
			fmt.Println(name)
		}
	case "pending":
		pending, err := mgr.Pending(ctx)
		if err != nil {
			fatal("pending: %v", err)
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
			return
		}
		for _, name := range pending {
			fmt.Println(name)
		}
	default:
		fatal("unknown command %q (want up, down, seed, status or pending)", cmd)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
