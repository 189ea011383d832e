package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
	"teamchat/internal/model"
)

var errForbidden = errors.New("not allowed to modify this document")

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := documentPath(w, r)
	if !ok {
		return
	}
	doc, err := s.docs.Get(r.Context(), collection, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if !docstore.ValidName(collection) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("collection %q: %w", collection, docstore.ErrInvalid))
		return
	}
	field := r.URL.Query().Get("field")
	if !docstore.ValidName(field) {
		writeError(w, http.StatusBadRequest, errors.New("a valid field query parameter is required"))
		return
	}
	docs, err := s.docs.QueryByField(r.Context(), collection, field, queryValue(r.URL.Query().Get("value")))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.QueryResponse{Documents: docs})
}

// queryValue decodes the value parameter as a JSON literal so numbers and
// booleans keep their type; anything that is not valid JSON is taken as a
// plain string.
func queryValue(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return v
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	if !s.allowWrite(w, sess) {
		return
	}
	collection := chi.URLParam(r, "collection")
	if !docstore.ValidName(collection) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("collection %q: %w", collection, docstore.ErrInvalid))
		return
	}
	var req api.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !docstore.ValidName(string(req.Kind)) {
		writeError(w, http.StatusBadRequest, errors.New("document kind is required"))
		return
	}
	if req.Fields == nil {
		req.Fields = docstore.Fields{}
	}
	if collection == docstore.CollectionUsers {
		// Hold the email's lock from the duplicate check through the insert.
		unlock := s.userLocks.Lock(strings.ToLower(sess.Email))
		defer unlock()
		if status, err := s.checkNewUser(r, sess, req); err != nil {
			writeError(w, status, err)
			return
		}
	}
	doc, err := s.docs.Add(r.Context(), collection, req.Kind, req.Fields)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.metrics.IncWrite()
	writeJSON(w, http.StatusCreated, doc)
}

// checkNewUser allows one user document per login, carrying the login's email.
func (s *Server) checkNewUser(r *http.Request, sess session, req api.CreateRequest) (int, error) {
	if req.Kind != docstore.KindUser {
		return http.StatusBadRequest, fmt.Errorf("users collection only holds %q documents", docstore.KindUser)
	}
	email := req.Fields.String(model.FieldEmail)
	if !strings.EqualFold(email, sess.Email) {
		return http.StatusForbidden, errors.New("user document email must match the session")
	}
	existing, err := s.docs.QueryByField(r.Context(), docstore.CollectionUsers, model.FieldEmail, email)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if len(existing) > 0 {
		return http.StatusConflict, errors.New("a user document for this email already exists")
	}
	return 0, nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	if !s.allowWrite(w, sess) {
		return
	}
	collection, id, ok := documentPath(w, r)
	if !ok {
		return
	}
	var fields docstore.Fields
	if err := decodeJSON(r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no fields to update"))
		return
	}
	if collection == docstore.CollectionUsers {
		current, err := s.docs.Get(r.Context(), collection, id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !strings.EqualFold(current.Fields.String(model.FieldEmail), sess.Email) {
			writeError(w, http.StatusForbidden, errForbidden)
			return
		}
		if email, ok := fields[model.FieldEmail]; ok && !docstore.Equal(email, current.Fields[model.FieldEmail]) {
			writeError(w, http.StatusForbidden, errors.New("email cannot be changed"))
			return
		}
	}
	if err := s.docs.Update(r.Context(), collection, id, fields); err != nil {
		writeStoreError(w, err)
		return
	}
	s.metrics.IncWrite()
	if _, ok := fields[model.FieldLastSeen]; ok && collection == docstore.CollectionUsers {
		s.metrics.IncHeartbeat()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) allowWrite(w http.ResponseWriter, sess session) bool {
	if s.writeLimiter.Allow(sess.Email) {
		return true
	}
	s.metrics.IncRateLimited()
	writeError(w, http.StatusTooManyRequests, errors.New("too many writes, slow down"))
	return false
}

func documentPath(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")
	if !docstore.ValidName(collection) || !docstore.ValidName(id) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrInvalid))
		return "", "", false
	}
	return collection, id, true
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds or
// waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the func that releases it.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
