package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"teamchat/internal/docstore"
	"teamchat/internal/server"
	"teamchat/internal/storage"
)

// documentBackend is a document store the server can also seed and close.
type documentBackend interface {
	docstore.Store
	server.Putter
}

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr    string
	server  *http.Server
	api     *server.Server
	closers []io.Closer
	logger  *slog.Logger
	done    chan struct{}
	err     error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// URL returns the http base URL clients should use for this server.
func (h *ServerHandle) URL() string {
	host, port, err := net.SplitHostPort(h.addr)
	if err != nil {
		return "http://" + h.addr
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Stop closes open subscriptions and triggers a graceful shutdown with the
// provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.api.Close()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the stores, runs migrations, seeds the guest user when
// allowed, and starts serving in the background. Call Stop/Wait to manage its
// lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	accounts, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := accounts.Migrate(context.Background()); err != nil {
		_ = accounts.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	closers := []io.Closer{accounts}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}

	var docs documentBackend = accounts
	if cfg.Backend == BackendRedis {
		rs, err := storage.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		closers = append(closers, rs)
		docs = rs
	}

	if cfg.AllowGuest {
		if err := server.SeedGuest(ctx, docs); err != nil {
			closeAll()
			return nil, fmt.Errorf("seed guest: %w", err)
		}
	}

	api := server.New(docs, accounts, server.Options{
		TokenTTL:   cfg.TokenTTL.Duration,
		AllowGuest: cfg.AllowGuest,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		api.Close()
		closeAll()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:    listener.Addr().String(),
		server:  httpServer,
		api:     api,
		closers: closers,
		logger:  logger,
		done:    make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server shutdown", "err", err)
		}
	}()
	if cfg.SessionSweep.Duration > 0 {
		go sweepSessions(handle.done, accounts, cfg.SessionSweep.Duration, logger)
	}

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.api.Close()
	for i := len(h.closers) - 1; i >= 0; i-- {
		if cerr := h.closers[i].Close(); cerr != nil {
			h.logger.Error("store close", "err", cerr)
		}
	}
	h.err = err
	close(h.done)
}

// sweepSessions drops expired login sessions until done closes.
func sweepSessions(done <-chan struct{}, accounts *storage.Store, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := accounts.DeleteExpiredSessions(ctx, now)
			cancel()
			if err != nil {
				logger.Warn("session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("expired sessions removed", "count", n)
			}
		}
	}
}
