// Tabwarden daemon — the rules engine that keeps browser tabs in line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/marcus-qen/tabwarden/internal/config"
	"github.com/marcus-qen/tabwarden/internal/daemon"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a JSON config file")
		listenAddr  = flag.String("listen", "", "listen address (overrides config)")
		dataDir     = flag.String("data-dir", "", "data directory (overrides config)")
		rulesDir    = flag.String("rules-dir", "", "directory of rule documents imported at startup")
		standalone  = flag.Bool("standalone", false, "run without an extension bridge, against an in-memory browser")
		logLevel    = flag.String("log-level", "", "log level: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("tabwardend %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *rulesDir != "" {
		cfg.RulesDir = *rulesDir
	}
	if *standalone {
		cfg.Standalone = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	daemon.Version = version
	daemon.Commit = commit
	daemon.Date = date

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to assemble daemon", zap.Error(err))
	}
	defer d.Close()

	if err := d.Run(ctx); err != nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q", level)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}
