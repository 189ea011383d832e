package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// FeedStats is implemented by backends that can list their collections and
// count the live subscriptions on each.
type FeedStats interface {
	Collections(ctx context.Context) ([]string, error)
	Subscribers(collection string) int
}

type Metrics struct {
	signups       atomic.Uint64
	logins        atomic.Uint64
	guestLogins   atomic.Uint64
	writes        atomic.Uint64
	heartbeats    atomic.Uint64
	rateLimited   atomic.Uint64
	subscriptions atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup()      { m.signups.Add(1) }
func (m *Metrics) IncLogin()       { m.logins.Add(1) }
func (m *Metrics) IncGuestLogin()  { m.guestLogins.Add(1) }
func (m *Metrics) IncWrite()       { m.writes.Add(1) }
func (m *Metrics) IncHeartbeat()   { m.heartbeats.Add(1) }
func (m *Metrics) IncRateLimited() { m.rateLimited.Add(1) }

func (m *Metrics) IncSubscription() {
	m.subscriptions.Add(1)
}

func (m *Metrics) DecSubscription() {
	m.subscriptions.Add(-1)
}

// Snapshot returns the current counter values keyed like the JSON output.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"signups_total":        m.signups.Load(),
		"logins_total":         m.logins.Load(),
		"guest_logins_total":   m.guestLogins.Load(),
		"writes_total":         m.writes.Load(),
		"heartbeats_total":     m.heartbeats.Load(),
		"rate_limited_total":   m.rateLimited.Load(),
		"active_subscriptions": m.subscriptions.Load(),
	}
}

// handleMetrics serves the counters plus, when the backend reports them, the
// subscriber count of every collection.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	out := s.metrics.Snapshot()
	if stats, ok := s.docs.(FeedStats); ok {
		names, err := stats.Collections(r.Context())
		if err != nil {
			s.logger.Warn("list collections failed", slog.String("error", err.Error()))
		}
		subs := make(map[string]int, len(names))
		for _, name := range names {
			subs[name] = stats.Subscribers(name)
		}
		out["collection_subscribers"] = subs
	}
	writeJSON(w, http.StatusOK, out)
}
