package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"teamchat/internal/docstore"
	"teamchat/internal/model"
)

// Tracker owns the presence state of one session: the cached user list, the
// previous online map used for edge detection, the current snapshot and the
// transition subscribers. Store callbacks arrive on other goroutines, so all
// state sits behind one mutex and subscribers are called outside it.
type Tracker struct {
	store  docstore.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	selfID        string
	localLastSeen time.Time
	users         map[string]model.User
	observed      []model.User
	wasOnline     map[string]bool
	primed        bool
	snapshot      Snapshot
	online        []model.User
	stats         Stats

	nextID      int
	transitions []subscriber[model.User]
	listeners   []subscriber[[]model.User]
	callback    func(model.User)
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger used for heartbeat and lookup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker builds a tracker that writes heartbeats to and reads user
// records from store.
func NewTracker(store docstore.Store, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		now:       time.Now,
		users:     make(map[string]model.User),
		wasOnline: make(map[string]bool),
		snapshot:  Snapshot{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the effective timings.
func (t *Tracker) Config() Config {
	return t.cfg
}

// SetSelf sets the user this session heartbeats for. An empty id or the guest
// account disables heartbeats.
func (t *Tracker) SetSelf(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfID = userID
}

// IsOnline applies the configured threshold at the current time.
func (t *Tracker) IsOnline(lastSeen *time.Time) bool {
	return IsOnline(lastSeen, t.now(), t.cfg.OnlineThreshold)
}

// Beat writes the current time to the session user's record. A failed write
// is logged and left for the next tick; the local timestamp advances either
// way.
func (t *Tracker) Beat(ctx context.Context) error {
	t.mu.Lock()
	selfID := t.selfID
	t.mu.Unlock()
	if selfID == "" || selfID == model.GuestUser.ID {
		return nil
	}

	now := t.now()
	err := t.store.Update(ctx, docstore.CollectionUsers, selfID, docstore.Fields{
		model.FieldLastSeen: docstore.Timestamp(now),
	})

	t.mu.Lock()
	t.localLastSeen = now
	t.stats.Attempts++
	if err != nil {
		t.stats.Failures++
		t.stats.ConsecutiveFailures++
		t.stats.LastError = err
	} else {
		t.stats.ConsecutiveFailures = 0
		t.stats.LastSuccess = now
	}
	failures := t.stats.ConsecutiveFailures
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("heartbeat write failed, retrying next tick",
			slog.String("user", selfID),
			slog.Int("consecutive_failures", failures),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// RunHeartbeat beats once right away and then every HeartbeatInterval until
// ctx is cancelled. Each write gets at most one interval to complete.
func (t *Tracker) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		beatCtx, cancel := context.WithTimeout(ctx, t.cfg.HeartbeatInterval)
		_ = t.Beat(beatCtx)
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LocalLastSeen is the session's own optimistic heartbeat time.
func (t *Tracker) LocalLastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localLastSeen
}

// SelfOnline reports whether the session believes itself online, judged by
// its local timestamp only.
func (t *Tracker) SelfOnline() bool {
	last := t.LocalLastSeen()
	if last.IsZero() {
		return false
	}
	return t.IsOnline(&last)
}

// Stats returns heartbeat counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// ComputeSnapshot recomputes online state for users and detects
// offline→online edges against the previous recompute. The first recompute
// only establishes the baseline: users already online then are not reported
// as transitions. It does not notify subscribers; Observe does.
func (t *Tracker) ComputeSnapshot(users []model.User) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.computeLocked(users)
}

func (t *Tracker) computeLocked(users []model.User) Result {
	now := t.now()
	snap := make(Snapshot, len(users))
	res := Result{}
	for _, u := range users {
		online := IsOnline(u.LastSeen, now, t.cfg.OnlineThreshold)
		snap[u.ID] = online
		if !online {
			t.wasOnline[u.ID] = false
			continue
		}
		res.Online = append(res.Online, u)
		if t.primed && !t.wasOnline[u.ID] && u.ID != t.selfID {
			res.NewlyOnline = append(res.NewlyOnline, u)
		}
		t.wasOnline[u.ID] = true
	}
	for id := range t.wasOnline {
		if _, ok := snap[id]; !ok {
			delete(t.wasOnline, id)
		}
	}
	t.primed = true
	t.snapshot = snap
	t.online = res.Online
	res.Snapshot = snap.clone()
	return res
}

// Observe feeds a fresh users snapshot from the store through the tracker:
// it refreshes the cache, recomputes, and then tells every transition
// subscriber about every newly online user and every snapshot listener about
// the new online list.
func (t *Tracker) Observe(users []model.User) Result {
	t.mu.Lock()
	cache := make(map[string]model.User, len(users))
	for _, u := range users {
		cache[u.ID] = u
	}
	t.users = cache
	t.observed = append([]model.User(nil), users...)
	res := t.computeLocked(users)
	return t.notify(res)
}

// Refresh re-runs Observe over the last observed list at the current time.
// Users that aged out since the last store push are marked offline here, so
// their next heartbeat is reported as a transition again. Before the first
// Observe it does nothing.
func (t *Tracker) Refresh() Result {
	t.mu.Lock()
	if !t.primed {
		t.mu.Unlock()
		return Result{Snapshot: Snapshot{}}
	}
	res := t.computeLocked(t.observed)
	return t.notify(res)
}

// Reset forgets the cached users and the previous online map so the next
// Observe only takes a baseline again. Subscribers, the callback, the session
// user and the heartbeat counters are kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users = make(map[string]model.User)
	t.observed = nil
	t.wasOnline = make(map[string]bool)
	t.primed = false
	t.snapshot = Snapshot{}
	t.online = nil
}

// notify is called with t.mu held and releases it before running callbacks.
func (t *Tracker) notify(res Result) Result {
	transitions := append([]subscriber[model.User](nil), t.transitions...)
	listeners := append([]subscriber[[]model.User](nil), t.listeners...)
	callback := t.callback
	t.mu.Unlock()

	for _, u := range res.NewlyOnline {
		for _, sub := range transitions {
			sub.fn(u)
		}
		if callback != nil {
			callback(u)
		}
	}
	for _, l := range listeners {
		l.fn(append([]model.User(nil), res.Online...))
	}
	return res
}

// OnTransition subscribes fn to offline→online transitions. Any number of
// subscribers may be registered; the returned func removes this one.
func (t *Tracker) OnTransition(fn func(model.User)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.transitions = append(t.transitions, subscriber[model.User]{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.transitions = removeSubscriber(t.transitions, id)
	}
}

// SetTransitionCallback installs the single replaceable transition callback.
// Setting a new one drops the previous one; nil clears it. It is independent
// of the OnTransition subscribers.
func (t *Tracker) SetTransitionCallback(fn func(model.User)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = fn
}

// OnSnapshot subscribes fn to the online user list produced by every Observe.
func (t *Tracker) OnSnapshot(fn func([]model.User)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners = append(t.listeners, subscriber[[]model.User]{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.listeners = removeSubscriber(t.listeners, id)
	}
}

func removeSubscriber[T any](subs []subscriber[T], id int) []subscriber[T] {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot returns the latest computed snapshot.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot.clone()
}

// OnlineUsers returns the online users of the latest recompute.
func (t *Tracker) OnlineUsers() []model.User {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.User(nil), t.online...)
}

// Cached returns the user from the latest observed snapshot.
func (t *Tracker) Cached(userID string) (model.User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userID]
	return u, ok
}

// CheckUser reports whether userID is online, using the cached list when the
// user is in it and a direct store read otherwise. A missing record or a
// failed read counts as offline.
func (t *Tracker) CheckUser(ctx context.Context, userID string) bool {
	if u, ok := t.Cached(userID); ok {
		return t.IsOnline(u.LastSeen)
	}
	doc, err := t.store.Get(ctx, docstore.CollectionUsers, userID)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			t.logger.Warn("presence lookup failed", slog.String("user", userID), slog.String("error", err.Error()))
		}
		return false
	}
	u, err := model.UserFromDocument(doc)
	if err != nil {
		return false
	}
	return t.IsOnline(u.LastSeen)
}

// PollUser reports userID's online state to fn right away and then every
// interval (PollInterval when interval is not positive) until ctx is
// cancelled. It is meant for users that may be missing from the bulk list,
// such as a direct message partner.
func (t *Tracker) PollUser(ctx context.Context, userID string, interval time.Duration, fn func(online bool)) {
	if interval <= 0 {
		interval = t.cfg.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(t.CheckUser(ctx, userID))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
