// Package users keeps the session's view of the user directory in sync with
// the store and feeds it to the presence tracker.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"teamchat/internal/docstore"
	"teamchat/internal/model"
	"teamchat/internal/presence"
)

// SelfLabel is shown instead of the session user's own name in reaction lists.
const SelfLabel = "You"

var ErrNoCurrentUser = errors.New("no current user")

// Service is the user directory of one session.
type Service struct {
	store   docstore.Store
	tracker *presence.Tracker
	logger  *slog.Logger

	mu      sync.RWMutex
	users   []model.User
	current model.User
	temp    model.User

	// gen counts resets. Snapshots from an older subscription are dropped.
	gen    int
	loaded chan struct{}
}

func New(store docstore.Store, tracker *presence.Tracker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		tracker: tracker,
		logger:  logger,
		loaded:  make(chan struct{}),
	}
}

// Tracker returns the presence tracker fed by this service.
func (s *Service) Tracker() *presence.Tracker {
	return s.tracker
}

// Start subscribes to the users collection. Every snapshot replaces the cached
// list and is passed to the tracker. The subscription ends with ctx.
//
// Each call empties the cache and resets the tracker's baseline.
// WaitUntilLoaded then waits for this subscription's first snapshot.
func (s *Service) Start(ctx context.Context) error {
	gen, loaded := s.reset()
	var once sync.Once
	_, err := s.store.Subscribe(ctx, docstore.CollectionUsers, func(docs []docstore.Document) {
		if s.handleSnapshot(gen, docs) {
			once.Do(func() { close(loaded) })
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to users: %w", err)
	}
	return nil
}

// reset drops the cached directory and the tracker's edge state and opens a
// new load generation.
func (s *Service) reset() (int, chan struct{}) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.users = nil
	s.loaded = make(chan struct{})
	loaded := s.loaded
	s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.Reset()
	}
	return gen, loaded
}

func (s *Service) handleSnapshot(gen int, docs []docstore.Document) bool {
	list := model.UsersFromDocuments(docs)
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	s.users = list
	s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.Observe(list)
	}
	return true
}

// WaitUntilLoaded blocks until the current subscription has delivered its
// first users snapshot.
func (s *Service) WaitUntilLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Users returns the cached users in store order.
func (s *Service) Users() []model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.User(nil), s.users...)
}

// UsersWithCurrentFirst returns the cached users with the session user moved
// to the front. Without a current user the store order is kept.
func (s *Service) UsersWithCurrentFirst() []model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0, len(s.users))
	if s.current.ID == "" {
		return append(out, s.users...)
	}
	for _, u := range s.users {
		if u.ID == s.current.ID {
			out = append(out, u)
		}
	}
	for _, u := range s.users {
		if u.ID != s.current.ID {
			out = append(out, u)
		}
	}
	return out
}

func (s *Service) CurrentUser() model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// SetCurrentUser makes u the session user and points the tracker's
// heartbeat at it.
func (s *Service) SetCurrentUser(u model.User) {
	s.mu.Lock()
	s.current = u
	s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.SetSelf(u.ID)
	}
}

// SignIn resolves the user record for email straight from the store and makes
// it the session user.
func (s *Service) SignIn(ctx context.Context, email string) (model.User, error) {
	u, ok, err := s.UserByEmailRealtime(ctx, email)
	if err != nil {
		return model.User{}, err
	}
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", email, docstore.ErrNotFound)
	}
	s.SetCurrentUser(u)
	return u, nil
}

// SignOut clears the session user, which stops heartbeats, and forgets the
// directory. Snapshots still in flight from the ended subscription are
// ignored.
func (s *Service) SignOut() {
	s.SetCurrentUser(model.User{})
	s.reset()
	s.mu.Lock()
	s.temp = model.User{}
	s.mu.Unlock()
}

func (s *Service) IsCurrentUser(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return id != "" && id == s.current.ID
}

// UserByID looks the user up in the cached list.
func (s *Service) UserByID(id string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ID == id {
			return u, true
		}
	}
	return model.User{}, false
}

// UserByEmail looks the user up in the cached list.
func (s *Service) UserByEmail(email string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, true
		}
	}
	return model.User{}, false
}

// UserByEmailRealtime queries the store, bypassing the cache. The first match
// wins.
func (s *Service) UserByEmailRealtime(ctx context.Context, email string) (model.User, bool, error) {
	docs, err := s.store.QueryByField(ctx, docstore.CollectionUsers, model.FieldEmail, email)
	if err != nil {
		return model.User{}, false, fmt.Errorf("query user %s: %w", email, err)
	}
	for _, doc := range docs {
		u, err := model.UserFromDocument(doc)
		if err != nil {
			continue
		}
		return u, true, nil
	}
	return model.User{}, false, nil
}

// UpdateUser applies a partial update to a user record. Failures are logged
// and returned.
func (s *Service) UpdateUser(ctx context.Context, id string, fields docstore.Fields) error {
	if err := s.store.Update(ctx, docstore.CollectionUsers, id, fields); err != nil {
		s.logger.Error("update user failed", slog.String("user", id), slog.String("error", err.Error()))
		return err
	}
	return nil
}

// SetTempUser merges patch into the registration draft. The draft also
// becomes the current user so the signup screens can show it.
func (s *Service) SetTempUser(patch model.User) {
	s.mu.Lock()
	s.temp = s.temp.Merge(patch)
	s.current = s.temp
	s.mu.Unlock()
}

func (s *Service) TempUser() model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.temp
}

// AddUser stores the registration draft as a new user record and adopts the
// stored record as the current user.
func (s *Service) AddUser(ctx context.Context) (model.User, error) {
	draft := s.TempUser()
	if draft.Email == "" {
		return model.User{}, fmt.Errorf("register user: email: %w", docstore.ErrInvalid)
	}
	doc, err := s.store.Add(ctx, docstore.CollectionUsers, docstore.KindUser, draft.Fields())
	if err != nil {
		s.logger.Error("register user failed", slog.String("email", draft.Email), slog.String("error", err.Error()))
		return model.User{}, err
	}
	u, err := model.UserFromDocument(doc)
	if err != nil {
		return model.User{}, err
	}
	s.mu.Lock()
	s.temp = model.User{}
	s.mu.Unlock()
	s.SetCurrentUser(u)
	return u, nil
}

// DisplayName returns the name shown for id, or SelfLabel for the session
// user. Unknown ids yield an empty string.
func (s *Service) DisplayName(id string) string {
	if s.IsCurrentUser(id) {
		return SelfLabel
	}
	u, ok := s.UserByID(id)
	if !ok {
		return ""
	}
	return u.Name
}

// IsOnline reports the presence of a cached user at the tracker's clock.
func (s *Service) IsOnline(u model.User) bool {
	if s.tracker == nil {
		return false
	}
	return s.tracker.IsOnline(u.LastSeen)
}

// Heartbeat runs the tracker heartbeat for the current user until ctx ends.
func (s *Service) Heartbeat(ctx context.Context) error {
	if s.tracker == nil || s.CurrentUser().ID == "" {
		return ErrNoCurrentUser
	}
	s.tracker.RunHeartbeat(ctx)
	return nil
}
