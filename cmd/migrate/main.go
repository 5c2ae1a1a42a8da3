package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"authrelay.org/internal/config"
	"authrelay.org/internal/migrate"
	pgmigrations "authrelay.org/internal/store/pg/migrations"
	sqlitemigrations "authrelay.org/internal/store/sqlite/migrations"
)

func main() {
	log.SetFlags(0)
	var (
		store = flag.String("store", envOr("RELAY_STORE", config.StorePostgres), "postgres or sqlite")
		dsn   = flag.String("dsn", os.Getenv("RELAY_DATABASE_URL"), "PostgreSQL DSN")
		path  = flag.String("sqlite", envOr("RELAY_SQLITE_PATH", "relay.db"), "SQLite database file")
		seeds = flag.String("seeds", "", "Directory of SQL seed files")
		table = flag.String("seeds-table", "", "Seeds bookkeeping table (default schema_seeds)")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-store postgres|sqlite] [-seeds dir] [up|down|seed|status]")
	}

	var (
		driver, source string
		schema         fs.FS
		opts           []migrate.Option
	)
	switch *store {
	case config.StorePostgres:
		if *dsn == "" {
			log.Fatal("missing DSN: provide via -dsn or RELAY_DATABASE_URL")
		}
		driver, source, schema = "pgx", *dsn, pgmigrations.FS
	case config.StoreSQLite:
		driver, source, schema = "sqlite", *path, sqlitemigrations.FS
		opts = append(opts, migrate.WithDialect(migrate.SQLite))
	default:
		log.Fatalf("unsupported store %q", *store)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open(driver, source)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var seedFS fs.FS
	if *seeds != "" {
		seedFS = os.DirFS(*seeds)
	}
	if *table != "" {
		opts = append(opts, migrate.WithSeedsTable(*table))
	}
	mgr := migrate.NewManager(db, schema, seedFS, opts...)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		if seedFS == nil {
			log.Fatal("seed needs -seeds")
		}
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
