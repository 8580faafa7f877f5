// Command server runs escrowd, the escrow settlement engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/server"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print build information and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("escrowd %s (%s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	if err := run(context.Background()); err != nil {
		slog.Error("escrowd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", Version)
	slog.SetDefault(logger)
	logger.Info("starting escrowd",
		"commit", Commit,
		"env", cfg.Env,
		"custodian", cfg.CustodianAddr,
		"postgres", cfg.DatabaseURL != "",
		"leveldb", cfg.LevelDBPath,
		"chain_clock", cfg.RPCURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}
