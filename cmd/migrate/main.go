package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/yanyu/chat-core/internal/message"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[migrate] .env: %v", err)
	}

	flagSet := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	databaseURL := flagSet.String("database-url", os.Getenv("DATABASE_URL"), "postgres connection URL")
	steps := flagSet.Int("steps", 0, "versions to move (0 = all the way up, negative = down)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(2)
	}

	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "migrate: --database-url or DATABASE_URL is required")
		os.Exit(2)
	}

	version, err := message.Migrate(*databaseURL, *steps)
	if err != nil {
		log.Fatalf("[migrate] %v", err)
	}
	log.Printf("[migrate] schema at version %d", version)
}
