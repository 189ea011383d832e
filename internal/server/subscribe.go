package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// subscriber pushes collection snapshots down one websocket. Only the latest
// snapshot matters, so send holds at most one pending frame.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if !docstore.ValidName(collection) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("collection %q: %w", collection, docstore.ErrInvalid))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	// hijacked connections outlive the request, so they hang off the server context
	ctx, cancel := context.WithCancel(s.baseCtx)
	sub := &subscriber{conn: conn, send: make(chan []byte, 1)}
	unsub, err := s.docs.Subscribe(ctx, collection, func(docs []docstore.Document) {
		payload, err := json.Marshal(api.Snapshot{Collection: collection, Documents: docs})
		if err != nil {
			s.logger.Error("encode snapshot", slog.String("collection", collection), slog.String("error", err.Error()))
			return
		}
		sub.offer(payload)
	})
	if err != nil {
		cancel()
		s.logger.Warn("subscribe failed", slog.String("collection", collection), slog.String("error", err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	s.metrics.IncSubscription()

	go sub.writePump(ctx)
	go func() {
		sub.readPump()
		cancel()
		unsub()
		s.metrics.DecSubscription()
	}()
}

func (sub *subscriber) offer(payload []byte) {
	select {
	case <-sub.send:
	default:
	}
	sub.send <- payload
}

// readPump only services control frames; it returns when the peer goes away.
func (sub *subscriber) readPump() {
	defer sub.conn.Close()
	sub.conn.SetReadLimit(maxMsgSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (sub *subscriber) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
