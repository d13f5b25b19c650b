package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/shardx-labs/shardx/config"
	"github.com/shardx-labs/shardx/node"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to JSON config file (defaults apply when empty)")
		dataDir     = flag.String("data", "", "data directory override (\":memory:\" for ephemeral)")
		logLevel    = flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
		benchmark   = flag.Int("benchmark", 0, "run a throughput benchmark with this many transactions, then exit")
		concurrency = flag.Int("concurrency", 8, "benchmark submit workers")
		timeout     = flag.Duration("timeout", 5*time.Minute, "benchmark deadline")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "shardx",
		Level: hclog.LevelFromString(*logLevel),
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.Error("build node", "error", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		logger.Error("start node", "error", err)
		os.Exit(1)
	}

	if *benchmark > 0 {
		runBenchmark(n, logger, *benchmark, *concurrency, *timeout)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received", "signal", sig)

	if err := n.Shutdown(); err != nil {
		logger.Error("shutdown", "error", err)
		os.Exit(1)
	}
}

func runBenchmark(n *node.Node, logger hclog.Logger, count, concurrency int, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := n.Engine().RunBenchmark(ctx, count, concurrency)
	shutdownErr := n.Shutdown()

	if err != nil {
		logger.Error("benchmark failed", "error", err)
		os.Exit(1)
	}
	if shutdownErr != nil {
		logger.Error("shutdown", "error", shutdownErr)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}
