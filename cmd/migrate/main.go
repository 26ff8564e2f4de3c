// Command migrate applies or rolls back the messenger database schema.
//
//	migrate [up|down]
//
// DATABASE_URL names the Postgres database; a .env file is honoured.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/sation/messenger/internal/store"
)

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatalf("DATABASE_URL is required")
	}

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := store.OpenPostgres(ctx, dsn)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	switch direction {
	case "up":
		err = store.Migrate(db)
	case "down":
		err = store.MigrateDown(db)
	default:
		log.Fatalf("unknown direction %q (want up or down)", direction)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", direction, err)
	}
	log.Printf("migrate %s: done", direction)
}
