package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/questbuddy/pkg/channel"
)

func startChannel(t *testing.T, c *Channel, handler channel.MessageHandler) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		close(started)
		_ = c.Start(ctx, handler)
	}()
	<-started
	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.handler != nil
	}, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(c)
	t.Cleanup(func() {
		_ = c.Stop()
		srv.Close()
		cancel()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestRoundTrip(t *testing.T) {
	c := New()
	srv := startChannel(t, c, func(ctx context.Context, msg channel.Message) error {
		return c.Send(ctx, channel.Response{RoomID: msg.RoomID, Content: msg.SenderID + ": " + msg.Content})
	})
	conn := dial(t, srv, "alice")

	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","content":"add run"}`)))
	f := readFrame(t, conn)
	assert.Equal(t, "reply", f.Type)
	assert.Equal(t, "alice: add run", f.Content)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("plain text")))
	assert.Equal(t, "alice: plain text", readFrame(t, conn).Content)
	assert.True(t, c.Connected("alice"))
}

func TestHandlerErrorFrame(t *testing.T) {
	srv := startChannel(t, New(), func(context.Context, channel.Message) error {
		return errors.New("boom")
	})
	conn := dial(t, srv, "bob")
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte("hi")))
	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "boom", f.Content)
}

func TestMissingUser(t *testing.T) {
	srv := startChannel(t, New(), func(context.Context, channel.Message) error { return nil })
	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotStarted(t *testing.T) {
	srv := httptest.NewServer(New())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/?user=x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSendWithoutConnection(t *testing.T) {
	err := New().Send(context.Background(), channel.Response{RoomID: "ghost", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDecodeFrame(t *testing.T) {
	assert.Equal(t, "hi", decodeFrame([]byte(`{"type":"message","content":"hi"}`)))
	assert.Equal(t, `{"content":"x"}`, decodeFrame([]byte(`{"content":"x"}`)))
	assert.Equal(t, "raw", decodeFrame([]byte("raw")))
}
