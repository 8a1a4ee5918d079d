// Package main wires together the monitoring engine binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/scrapemaster/monitor-engine/internal/config"
	"github.com/scrapemaster/monitor-engine/internal/logging"
	"github.com/scrapemaster/monitor-engine/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx := context.Background()
	engine, err := server.Build(ctx, cfg, *cfgPath, logger)
	if err != nil {
		logger.Fatal("engine build failed", zap.Error(err))
	}
	if err := engine.Run(ctx); err != nil {
		logger.Fatal("engine run failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
