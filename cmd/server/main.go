package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"teamchat/internal/app"
)

func main() {
	configPath := flag.String("config", "", "TOML config file")
	addr := flag.String("addr", "", "server listen address")
	flag.Parse()

	cfg, err := app.Load(*configPath)
	if err != nil {
		fail(err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = app.DefaultDBPath()
	}
	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg.Server, logger)
	if err != nil {
		fail(err)
	}
	logger.Info("TeamChat server listening", "addr", handle.Addr())
	if err := handle.Wait(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	os.Stderr.WriteString("server error: " + err.Error() + "\n")
	os.Exit(1)
}
