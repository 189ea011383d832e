package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"teamchat/internal/api"
	"teamchat/internal/app"
	"teamchat/internal/remote"
)

const (
	modeServer  = "server"
	modeClient  = "client"
	modeLocal   = "local"
	modePasswd  = "passwd"
	modeVersion = "version"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	if mode == modeVersion {
		fmt.Printf("teamchat %s\n", api.Version)
		return
	}
	flagSet := flag.NewFlagSet("teamchat", flag.ExitOnError)
	configPath := flagSet.String("config", "", "TOML config file (default: $TEAMCHAT_CONFIG or the user config dir)")
	addr := flagSet.String("addr", "", "server listen address")
	db := flagSet.String("db", "", "sqlite database path (defaults to a per-user path)")
	backend := flagSet.String("backend", "", "document backend: sqlite or redis")
	redisURL := flagSet.String("redis-url", "", "redis URL for the redis backend")
	serverURL := flagSet.String("server-url", "", "server base URL (client mode)")
	noGuest := flagSet.Bool("no-guest", false, "disable guest logins")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	flagSet.Parse(args)

	cfg, err := app.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "teamchat: %v\n", err)
		os.Exit(1)
	}
	applyFlags(&cfg, *addr, *db, *backend, *redisURL, *serverURL, *noGuest)
	if mode == modeLocal && *addr == "" {
		cfg.Server.Addr = "127.0.0.1:0"
	}
	if *quiet {
		cfg.Log.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "teamchat: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, cfg)
	case modeLocal:
		err = runLocalMode(ctx, cfg)
	case modePasswd:
		err = runPasswdMode(ctx, cfg, os.Stdin, os.Stdout)
	default:
		err = runClientMode(ctx, cfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "teamchat: %v\n", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *app.Config, addr, db, backend, redisURL, serverURL string, noGuest bool) {
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if db != "" {
		cfg.Server.DBPath = db
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = app.DefaultDBPath()
	}
	if backend != "" {
		cfg.Server.Backend = backend
	}
	if redisURL != "" {
		cfg.Server.RedisURL = redisURL
	}
	if serverURL != "" {
		cfg.Client.ServerURL = serverURL
	}
	if noGuest {
		cfg.Server.AllowGuest = false
	}
}

func runServerMode(ctx context.Context, cfg app.Config) error {
	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	handle, err := app.RunServer(ctx, cfg.Server, logger)
	if err != nil {
		return err
	}
	logger.Info("TeamChat server listening", "version", api.Version, "addr", handle.Addr(), "backend", cfg.Server.Backend, "db", cfg.Server.DBPath)
	return handle.Wait()
}

func runClientMode(ctx context.Context, cfg app.Config) error {
	if cfg.Client.ServerURL == "" {
		return errors.New("client mode requires --server-url or TEAMCHAT_SERVER")
	}
	logger, closer, err := app.OpenClientLog(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	return app.RunClient(ctx, cfg, logger)
}

func runLocalMode(ctx context.Context, cfg app.Config) error {
	logger, closer, err := app.OpenClientLog(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	handle, err := app.RunServer(ctx, cfg.Server, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	logger.Info("starting local TeamChat server", "addr", handle.Addr(), "db", cfg.Server.DBPath)
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	cfg.Client.ServerURL = handle.URL()
	if err := app.RunClient(ctx, cfg, logger); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

// runPasswdMode changes the password of the account in the saved session.
func runPasswdMode(ctx context.Context, cfg app.Config, in io.Reader, out io.Writer) error {
	sessionPath := cfg.Client.SessionPath
	if sessionPath == "" {
		sessionPath = app.DefaultSessionPath()
	}
	saved, err := remote.LoadSession(sessionPath)
	if err != nil {
		return fmt.Errorf("no saved session, log in with the client first: %w", err)
	}
	rc, err := remote.New(saved.Server, remote.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return err
	}
	rc.SetSession(saved.Email, saved.Token)

	reader := bufio.NewReader(in)
	current, err := ask(reader, out, "Current password: ")
	if err != nil {
		return err
	}
	next, err := ask(reader, out, "New password: ")
	if err != nil {
		return err
	}
	if err := rc.ChangePassword(ctx, current, next); err != nil {
		return err
	}
	fmt.Fprintf(out, "Password changed for %s\n", saved.Email)
	return nil
}

func ask(r *bufio.Reader, w io.Writer, prompt string) (string, error) {
	fmt.Fprint(w, prompt)
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal, modePasswd, modeVersion:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
