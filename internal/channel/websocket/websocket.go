// Package websocket serves browser and script clients over a websocket at
// /ws/chat?user=ID. Each text frame is one chat message.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nous-labs/questbuddy/pkg/channel"
)

// ErrNotConnected is returned by Send when no socket is open for the room.
var ErrNotConnected = fmt.Errorf("websocket: %w", channel.ErrNotConnected)

const writeTimeout = 10 * time.Second

// frame is the JSON envelope in both directions. Clients may also send
// plain text frames.
type frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Channel is a websocket chat transport. Register it as an http.Handler.
type Channel struct {
	originPatterns []string

	mu      sync.RWMutex
	handler channel.MessageHandler
	conns   map[string]map[*websocket.Conn]struct{}
}

// New creates a websocket channel. Empty originPatterns accept any origin.
func New(originPatterns ...string) *Channel {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Channel{
		originPatterns: originPatterns,
		conns:          make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "websocket" }

// Start enables message handling and blocks until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	<-ctx.Done()
	return nil
}

// Stop closes every open socket.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for room, set := range c.conns {
		for conn := range set {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(c.conns, room)
	}
	return nil
}

// Send writes one reply frame to every socket open for the room.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	c.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(c.conns[resp.RoomID]))
	for conn := range c.conns[resp.RoomID] {
		targets = append(targets, conn)
	}
	c.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w %q", ErrNotConnected, resp.RoomID)
	}
	b, err := json.Marshal(frame{Type: "reply", Content: resp.Content})
	if err != nil {
		return err
	}

	var errs []error
	for _, conn := range targets {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

// ServeHTTP upgrades the request and pumps inbound frames to the handler.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		http.Error(w, "user query parameter is required", http.StatusBadRequest)
		return
	}
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		http.Error(w, "websocket channel not started", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: c.originPatterns})
	if err != nil {
		slog.Error("websocket accept failed", "user", userID, "error", err)
		return
	}
	defer func() {
		if err := ws.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
			slog.Debug("websocket close", "user", userID, "error", err)
		}
	}()

	c.register(userID, ws)
	defer c.unregister(userID, ws)
	slog.Info("websocket client connected", "user", userID, "ip", r.RemoteAddr)

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "user", userID)
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "user", userID, "error", err)
			}
			return
		}

		text := decodeFrame(data)
		if strings.TrimSpace(text) == "" {
			continue
		}
		msg := channel.Message{
			Source:    c.Name(),
			SenderID:  userID,
			RoomID:    userID,
			Content:   text,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("message handler error", "user", userID, "error", err)
			b, _ := json.Marshal(frame{Type: "error", Content: err.Error()})
			_ = ws.Write(ctx, websocket.MessageText, b)
		}
	}
}

// decodeFrame accepts {"type":"message","content":...} or plain text.
func decodeFrame(data []byte) string {
	var f frame
	if err := json.Unmarshal(data, &f); err == nil && f.Type != "" {
		return f.Content
	}
	return string(data)
}

func (c *Channel) register(room string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.conns[room]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		c.conns[room] = set
	}
	set[conn] = struct{}{}
}

func (c *Channel) unregister(room string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns[room], conn)
	if len(c.conns[room]) == 0 {
		delete(c.conns, room)
	}
}

// Connected reports whether any socket is open for the room.
func (c *Channel) Connected(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns[room]) > 0
}
