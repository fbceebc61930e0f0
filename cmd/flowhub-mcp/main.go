// Package main provides the entry point for the flowhub MCP server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/flowhub/internal/client"
	"github.com/raphaelgruber/flowhub/internal/config"
	"github.com/raphaelgruber/flowhub/internal/server"
	"github.com/raphaelgruber/flowhub/internal/tools"
)

const version = "0.1.0"

func main() {
	httpAddr := flag.String("http", os.Getenv("FLOWHUB_MCP_ADDR"), "serve streamable HTTP on this address instead of stdio")
	flag.Parse()

	cfg := config.Load()

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogOptions())
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Empty arguments fall back to FLOWHUB_SERVER_URL and FLOWHUB_TOKEN.
	apiClient := client.New("", "")
	logger.Info("flowhub-mcp starting", "version", version, "server", apiClient.BaseURL())

	srv := server.New(version, &tools.Dependencies{Client: apiClient, Logger: logger}, logger)
	srv.Setup()

	var err error
	if *httpAddr != "" {
		err = srv.RunHTTP(ctx, *httpAddr)
	} else {
		err = srv.Run(ctx)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
