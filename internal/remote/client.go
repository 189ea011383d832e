// Package remote implements the document store contract against a teamchat
// server: HTTP for reads and writes, a websocket per collection subscription.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
)

const (
	defaultHTTPTimeout    = 5 * time.Second
	defaultReconnectDelay = 2 * time.Second
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limited")
)

// Client talks to one server on behalf of one session.
type Client struct {
	baseURL        string
	http           *http.Client
	logger         *slog.Logger
	reconnectDelay time.Duration

	mu    sync.RWMutex
	token string
	email string
}

var _ docstore.Store = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// WithReconnectDelay sets the fixed pause between subscription reconnects.
// Non-positive values keep the default.
func WithReconnectDelay(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.reconnectDelay = d
		}
	}
}

// New builds a client for the server at baseURL (http or https).
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	c := &Client{
		baseURL:        strings.TrimRight(parsed.String(), "/"),
		http:           &http.Client{Timeout: defaultHTTPTimeout},
		logger:         slog.Default(),
		reconnectDelay: defaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server address the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetSession installs a token obtained earlier, for example from a session file.
func (c *Client) SetSession(email, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.email = email
	c.token = token
}

// Session returns the current login email and token.
func (c *Client) Session() (email, token string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.email, c.token
}

func (c *Client) Signup(ctx context.Context, email, password string) error {
	return c.doJSON(ctx, http.MethodPost, "/signup", api.SignupRequest{Email: email, Password: password}, nil)
}

// Login starts a session; later calls carry its token.
func (c *Client) Login(ctx context.Context, email, password string) (api.LoginResponse, error) {
	var resp api.LoginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/login", api.LoginRequest{Email: email, Password: password}, &resp); err != nil {
		return api.LoginResponse{}, err
	}
	c.SetSession(resp.Email, resp.Token)
	return resp, nil
}

// LoginGuest starts a session on the shared guest account.
func (c *Client) LoginGuest(ctx context.Context) (api.LoginResponse, error) {
	var resp api.LoginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/login/guest", nil, &resp); err != nil {
		return api.LoginResponse{}, err
	}
	c.SetSession(resp.Email, resp.Token)
	return resp, nil
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/logout", nil, nil)
	c.SetSession("", "")
	return err
}

// ChangePassword replaces the password of the logged-in account.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	return c.doJSON(ctx, http.MethodPost, "/password", api.PasswordChangeRequest{Current: current, New: next}, nil)
}

func (c *Client) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	var doc docstore.Document
	err := c.doJSON(ctx, http.MethodGet, documentPath(collection, id), nil, &doc)
	return doc, err
}

func (c *Client) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	return c.doJSON(ctx, http.MethodPatch, documentPath(collection, id), fields, nil)
}

func (c *Client) QueryByField(ctx context.Context, collection, field string, value any) ([]docstore.Document, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode query value: %w", docstore.ErrInvalid)
	}
	query := url.Values{"field": {field}, "value": {string(encoded)}}
	var resp api.QueryResponse
	if err := c.doJSON(ctx, http.MethodGet, api.PathDocuments+"/"+url.PathEscape(collection)+"?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Documents == nil {
		resp.Documents = []docstore.Document{}
	}
	return resp.Documents, nil
}

func (c *Client) Add(ctx context.Context, collection string, kind docstore.Kind, fields docstore.Fields) (docstore.Document, error) {
	var doc docstore.Document
	err := c.doJSON(ctx, http.MethodPost, api.PathDocuments+"/"+url.PathEscape(collection), api.CreateRequest{Kind: kind, Fields: fields}, &doc)
	return doc, err
}

func documentPath(collection, id string) string {
	return api.PathDocuments + "/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if _, token := c.Session(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, docstore.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %w: %s", method, path, statusError(resp.StatusCode), readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// statusError maps a response status back onto the sentinel the server started from.
func statusError(status int) error {
	switch {
	case status == http.StatusNotFound:
		return docstore.ErrNotFound
	case status == http.StatusBadRequest:
		return docstore.ErrInvalid
	case status == http.StatusConflict:
		return docstore.ErrConflict
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return docstore.ErrUnavailable
	}
	return fmt.Errorf("unexpected status %d", status)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed api.ErrorResponse
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(data))
}
