package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
	"teamchat/internal/model"
	"teamchat/internal/storage"
)

const minPasswordLength = 6

var errUnauthorized = errors.New("unauthorized")

type session struct {
	Token string
	Email string
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) (session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(session)
	return sess, ok
}

// Putter stores a document under a fixed id. Both storage backends implement it.
type Putter interface {
	Put(ctx context.Context, collection string, doc docstore.Document) error
}

// SeedGuest makes sure the shared guest user document exists.
func SeedGuest(ctx context.Context, docs Putter) error {
	return docs.Put(ctx, docstore.CollectionUsers, docstore.Document{
		ID:     model.GuestUser.ID,
		Kind:   docstore.KindUser,
		Fields: model.GuestUser.Fields(),
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.Allow(s.clientIP(r)) {
		s.metrics.IncRateLimited()
		writeError(w, http.StatusTooManyRequests, errors.New("too many attempts, try again later"))
		return
	}
	var req api.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	email := strings.TrimSpace(req.Email)
	if !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, errors.New("a valid email is required"))
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, errors.New("password must have at least 6 characters"))
		return
	}
	if strings.EqualFold(email, model.GuestUser.Email) {
		writeError(w, http.StatusConflict, errors.New("email already registered"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.accounts.CreateAccount(r.Context(), email, hash); err != nil {
		if errors.Is(err, storage.ErrAccountExists) {
			writeError(w, http.StatusConflict, errors.New("email already registered"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, api.SignupResponse{Email: strings.ToLower(email)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.Allow(s.clientIP(r)) {
		s.metrics.IncRateLimited()
		writeError(w, http.StatusTooManyRequests, errors.New("too many attempts, try again later"))
		return
	}
	var req api.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}
	acc, err := s.accounts.GetAccountByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if acc == nil || bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}
	s.startSession(w, r, acc.Email)
	s.metrics.IncLogin()
}

func (s *Server) handleGuestLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowGuest {
		writeError(w, http.StatusForbidden, errors.New("guest access is disabled"))
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		s.metrics.IncRateLimited()
		writeError(w, http.StatusTooManyRequests, errors.New("too many attempts, try again later"))
		return
	}
	s.startSession(w, r, model.GuestUser.Email)
	s.metrics.IncGuestLogin()
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, email string) {
	token := uuid.NewString()
	expiresAt := s.now().Add(s.tokenTTL)
	if err := s.accounts.CreateSession(r.Context(), email, token, expiresAt); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, api.LoginResponse{Token: token, Email: strings.ToLower(email), ExpiresAt: expiresAt})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	if err := s.accounts.DeleteSession(r.Context(), sess.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	if strings.EqualFold(sess.Email, model.GuestUser.Email) {
		writeError(w, http.StatusForbidden, errors.New("the guest account has no password"))
		return
	}
	var req api.PasswordChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Current == "" || len(req.New) < minPasswordLength {
		writeError(w, http.StatusBadRequest, errors.New("current password and a new password of at least 6 characters are required"))
		return
	}
	acc, err := s.accounts.GetAccountByEmail(r.Context(), sess.Email)
	if err != nil || acc == nil {
		writeError(w, http.StatusInternalServerError, errors.New("account lookup failed"))
		return
	}
	if bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(req.Current)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("current password incorrect"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.New), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.accounts.UpdatePassword(r.Context(), acc.Email, hash); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.authenticateRequest(r)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, errUnauthorized) {
				status = http.StatusUnauthorized
			}
			writeError(w, status, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func (s *Server) authenticateRequest(r *http.Request) (session, error) {
	token := bearerToken(r)
	if token == "" {
		return session{}, errUnauthorized
	}
	stored, err := s.accounts.GetSession(r.Context(), token)
	if err != nil {
		return session{}, err
	}
	if stored == nil {
		return session{}, errUnauthorized
	}
	if s.now().After(stored.ExpiresAt) {
		_ = s.accounts.DeleteSession(r.Context(), token)
		return session{}, errUnauthorized
	}
	return session{Token: stored.Token, Email: stored.Email}, nil
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
