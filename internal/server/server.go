// Package server exposes a document store over HTTP and websockets.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
	"teamchat/internal/storage"
)

// Accounts keeps logins and sessions. *storage.Store implements it.
type Accounts interface {
	CreateAccount(ctx context.Context, email string, passwordHash []byte) error
	GetAccountByEmail(ctx context.Context, email string) (*storage.Account, error)
	UpdatePassword(ctx context.Context, email string, newHash []byte) error
	CreateSession(ctx context.Context, email, token string, expiresAt time.Time) error
	GetSession(ctx context.Context, token string) (*storage.Session, error)
	DeleteSession(ctx context.Context, token string) error
}

// Options tunes a Server. Zero values fall back to the defaults.
type Options struct {
	TokenTTL time.Duration
	// AuthRate is the number of signup/login attempts allowed per client IP
	// within AuthWindow.
	AuthRate   int
	AuthWindow time.Duration
	// WriteRate is the number of document writes allowed per session within
	// WriteWindow.
	WriteRate   int
	WriteWindow time.Duration
	AllowGuest  bool
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TokenTTL <= 0 {
		o.TokenTTL = 24 * time.Hour
	}
	if o.AuthRate <= 0 {
		o.AuthRate = 10
	}
	if o.AuthWindow <= 0 {
		o.AuthWindow = time.Minute
	}
	if o.WriteRate <= 0 {
		o.WriteRate = 120
	}
	if o.WriteWindow <= 0 {
		o.WriteWindow = time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Server serves document CRUD, field queries and collection subscriptions to
// authenticated sessions.
type Server struct {
	docs         docstore.Store
	accounts     Accounts
	metrics      *Metrics
	authLimiter  *RateLimiter
	writeLimiter *RateLimiter
	tokenTTL     time.Duration
	allowGuest   bool
	logger       *slog.Logger
	router       *chi.Mux
	now          func() time.Time
	userLocks    keyedMutex

	baseCtx context.Context
	stop    context.CancelFunc
}

// New wires the routes over docs and accounts.
func New(docs docstore.Store, accounts Accounts, opts Options) *Server {
	opts = opts.withDefaults()
	baseCtx, stop := context.WithCancel(context.Background())
	s := &Server{
		docs:         docs,
		accounts:     accounts,
		metrics:      NewMetrics(),
		authLimiter:  NewRateLimiter(opts.AuthRate, opts.AuthWindow),
		writeLimiter: NewRateLimiter(opts.WriteRate, opts.WriteWindow),
		tokenTTL:     opts.TokenTTL,
		allowGuest:   opts.AllowGuest,
		logger:       opts.Logger,
		router:       chi.NewRouter(),
		now:          time.Now,
		baseCtx:      baseCtx,
		stop:         stop,
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close ends every open subscription. http.Server.Shutdown does not touch
// hijacked websocket connections.
func (s *Server) Close() {
	s.stop()
}

// Metrics exposes the server counters.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogger(s.logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: api.Version})
	})
	r.Get("/metrics", s.handleMetrics)

	r.Post("/signup", s.handleSignup)
	r.Post("/login", s.handleLogin)
	r.Post("/login/guest", s.handleGuestLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Post("/logout", s.handleLogout)
		r.Post("/password", s.handlePasswordChange)
		r.Route(api.PathDocuments+"/{collection}", func(r chi.Router) {
			r.Get("/", s.handleQuery)
			r.Post("/", s.handleAdd)
			r.Get("/{id}", s.handleGet)
			r.Patch("/{id}", s.handleUpdate)
		})
		r.Get(api.PathSubscribe+"/{collection}", s.handleSubscribe)
	})
}

func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
