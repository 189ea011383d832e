package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"teamchat/internal/client"
	"teamchat/internal/presence"
	"teamchat/internal/remote"
	"teamchat/internal/users"
)

// RunClient launches the Bubble Tea TUI against the configured server.
func RunClient(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if cfg.Client.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rc, err := remote.New(cfg.Client.ServerURL,
		remote.WithLogger(logger),
		remote.WithReconnectDelay(cfg.Client.ReconnectDelay.Duration),
	)
	if err != nil {
		return err
	}
	tracker := presence.NewTracker(rc, cfg.PresenceSettings(), presence.WithLogger(logger))
	svc := users.New(rc, tracker, logger)

	sessionPath := cfg.Client.SessionPath
	if sessionPath == "" {
		sessionPath = DefaultSessionPath()
	}
	return client.Run(ctx, client.Deps{
		Auth:        rc,
		Store:       rc,
		Users:       svc,
		Logger:      logger,
		Server:      rc.BaseURL(),
		SessionPath: sessionPath,
	})
}

// NewLogger builds the slog logger described by cfg, writing to w.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// OpenClientLog returns the logger for TUI sessions. The terminal belongs to
// the UI, so logs go to cfg.File or nowhere.
func OpenClientLog(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	if cfg.File == "" {
		logger, err := NewLogger(cfg, io.Discard)
		return logger, nopCloser{}, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger, err := NewLogger(cfg, f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return logger, f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
