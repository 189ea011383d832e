// Package api holds the JSON shapes exchanged between the document server and
// its clients.
package api

import (
	"time"

	"teamchat/internal/docstore"
)

// Route prefixes.
const (
	PathDocuments = "/v1"
	PathSubscribe = "/ws"
)

type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupResponse struct {
	Email string `json:"email"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PasswordChangeRequest is the body of POST /password.
type PasswordChangeRequest struct {
	Current string `json:"current"`
	New     string `json:"new"`
}

// CreateRequest is the body of POST /v1/{collection}.
type CreateRequest struct {
	Kind   docstore.Kind   `json:"kind"`
	Fields docstore.Fields `json:"fields"`
}

// QueryResponse is the body of GET /v1/{collection}?field=&value=.
type QueryResponse struct {
	Documents []docstore.Document `json:"documents"`
}

// Snapshot is one websocket frame of a collection subscription.
type Snapshot struct {
	Collection string              `json:"collection"`
	Documents  []docstore.Document `json:"documents"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
