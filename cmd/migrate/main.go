// Command migrate applies the embedded goose migrations to DATABASE_URL.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/migrations"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "abort if migrations run longer than this")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"usage: migrate [-timeout d] up|down|status|version|redo|up-to N|down-to N\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
	fail := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fail("missing configuration", errors.New("DATABASE_URL is not set"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		fail("open database", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		fail("connect to database", err)
	}

	command, args := flag.Arg(0), flag.Args()[1:]
	if err := migrations.Run(ctx, db, command, args...); err != nil {
		fail("migrate", err)
	}
	logger.Info("migrate finished", "command", command)
}
