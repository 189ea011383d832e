package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"teamchat/internal/app"
)

func main() {
	configPath := flag.String("config", "", "TOML config file")
	serverURL := flag.String("server", "", "server base URL (e.g., http://localhost:8080)")
	flag.Parse()

	cfg, err := app.Load(*configPath)
	if err == nil && *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if err == nil {
		err = run(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg app.Config) error {
	logger, closer, err := app.OpenClientLog(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.RunClient(ctx, cfg, logger)
}
