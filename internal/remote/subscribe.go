package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
)

const dialTimeout = 5 * time.Second

// Subscribe opens a websocket for collection. The first dial happens before
// Subscribe returns so authorization problems surface to the caller; later
// disconnects are retried after the reconnect delay until unsubscribed.
func (c *Client) Subscribe(ctx context.Context, collection string, onChange func([]docstore.Document)) (docstore.Unsubscribe, error) {
	if !docstore.ValidName(collection) {
		return nil, fmt.Errorf("collection %q: %w", collection, docstore.ErrInvalid)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := c.dial(ctx, collection)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &remoteSub{client: c, collection: collection, conn: conn, onChange: onChange}
	go s.run(subCtx)

	return docstore.BindContext(ctx, func() {
		cancel()
		s.closeConn()
	}), nil
}

type remoteSub struct {
	client     *Client
	collection string
	onChange   func([]docstore.Document)

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *remoteSub) run(ctx context.Context) {
	logger := s.client.logger.With(slog.String("collection", s.collection))
	for {
		conn := s.current()
		if conn != nil {
			s.readLoop(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn("subscription dropped, reconnecting", slog.Duration("delay", s.client.reconnectDelay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.client.reconnectDelay):
		}
		next, err := s.client.dial(ctx, s.collection)
		if err != nil {
			logger.Warn("resubscribe failed", slog.String("error", err.Error()))
			s.swap(nil)
			continue
		}
		if !s.swap(next) {
			_ = next.Close()
			return
		}
	}
}

func (s *remoteSub) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		var snap api.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		docs := snap.Documents
		if docs == nil {
			docs = []docstore.Document{}
		}
		s.onChange(docs)
	}
}

func (s *remoteSub) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// swap installs conn unless the subscription was closed in the meantime.
func (s *remoteSub) swap(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

func (s *remoteSub) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
		s.conn = nil
	}
	s.closed = true
}

func (c *Client) dial(ctx context.Context, collection string) (*websocket.Conn, error) {
	wsURL, err := websocketURL(c.baseURL, api.PathSubscribe+"/"+collection)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if _, token := c.Session(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("subscribe %s: %w: %s", collection, statusError(resp.StatusCode), readResponseError(resp.Body))
		}
		return nil, fmt.Errorf("subscribe %s: %w: %v", collection, docstore.ErrUnavailable, err)
	}
	return conn, nil
}

// websocketURL turns an http(s) base address into the ws(s) address of path.
func websocketURL(base, path string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	parsed.RawQuery = ""
	return parsed.String(), nil
}
