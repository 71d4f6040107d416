// Package matrix connects questbuddy to Matrix rooms through mautrix-go.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/questbuddy/pkg/channel"
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string   `json:"homeserver" yaml:"homeserver"`
	UserID       string   `json:"user_id" yaml:"user_id"` // localpart, e.g. "questbuddy"
	Password     string   `json:"password" yaml:"password"`
	ServerName   string   `json:"server_name" yaml:"server_name"`
	AllowedUsers []string `json:"allowed_users,omitempty" yaml:"allowed_users,omitempty"`
	DataDir      string   `json:"data_dir" yaml:"data_dir"`
}

// Channel is the Matrix transport. Each room the bot is invited to becomes
// a conversation; the sender's Matrix ID is the quest log owner.
type Channel struct {
	config Config
	creds  credStore

	client  *mautrix.Client
	handler channel.MessageHandler
	since   int64       // ms; older events are backlog
	ready   atomic.Bool // logged in and syncing

	mu     sync.Mutex
	typing map[id.RoomID]bool
}

// New creates a Matrix channel. Nothing connects until Start.
func New(cfg Config) *Channel {
	return &Channel{
		config: cfg,
		creds:  credStore{path: filepath.Join(cfg.DataDir, "matrix_credentials.json")},
		typing: make(map[id.RoomID]bool),
	}
}

func (c *Channel) Name() string { return "matrix" }

func (c *Channel) mxid() id.UserID {
	return id.NewUserID(c.config.UserID, c.config.ServerName)
}

// Start logs in and syncs until ctx ends. Sync failures are retried
// every syncRetry.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.since = time.Now().UnixMilli()

	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.client = client

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.StateMember, c.onInvite)

	c.ready.Store(true)
	defer c.ready.Store(false)
	slog.Info("matrix channel syncing", "user", client.UserID)

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("matrix sync stopped, retrying", "error", err, "in", syncRetry)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(syncRetry):
		}
	}
}

const (
	syncRetry       = 15 * time.Second
	loginAttempts   = 10
	loginBackoff    = 2 * time.Second
	loginMaxBackoff = 2 * time.Minute
)

// connect builds a client and authenticates it, from the credential file
// when one exists, otherwise with the password.
func (c *Channel) connect(ctx context.Context) (*mautrix.Client, error) {
	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create matrix data dir: %w", err)
	}
	client, err := mautrix.NewClient(c.config.Homeserver, c.mxid(), "")
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	client.Store = mautrix.NewMemorySyncStore()

	saved, err := c.creds.load()
	if err == nil {
		saved.apply(client)
		slog.Info("matrix session restored", "user", saved.UserID, "device", saved.DeviceID)
		return client, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring unreadable matrix credentials", "path", c.creds.path, "error", err)
	}

	if err := c.passwordLogin(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Channel) passwordLogin(ctx context.Context, client *mautrix.Client) error {
	req := &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypePassword,
		Identifier:               mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: c.config.UserID},
		Password:                 c.config.Password,
		InitialDeviceDisplayName: "questbuddy",
		StoreCredentials:         true,
	}

	wait := loginBackoff
	var lastErr error
	for attempt := 1; attempt <= loginAttempts; attempt++ {
		resp, err := client.Login(ctx, req)
		if err == nil {
			creds := credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			}
			if err := c.creds.save(creds); err != nil {
				slog.Warn("matrix credentials not persisted", "path", c.creds.path, "error", err)
			}
			slog.Info("matrix password login ok", "user", resp.UserID, "device", resp.DeviceID, "attempt", attempt)
			return nil
		}
		if permanentLoginError(err) {
			return fmt.Errorf("matrix login: %w", err)
		}
		lastErr = err

		slog.Warn("matrix login failed", "homeserver", c.config.Homeserver, "attempt", attempt, "backoff", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, loginMaxBackoff)
	}
	return fmt.Errorf("matrix login: %w (after %d attempts)", lastErr, loginAttempts)
}

// permanentLoginError reports errors that retrying cannot fix.
func permanentLoginError(err error) bool {
	return errors.Is(err, mautrix.MForbidden) ||
		errors.Is(err, mautrix.MUnknownToken) ||
		errors.Is(err, mautrix.MInvalidParam)
}

// Send posts one chunk to a room, rendering markdown to HTML, and clears
// the typing notice if one was shown for the room.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	if !c.ready.Load() {
		return fmt.Errorf("matrix send: %w", channel.ErrNotConnected)
	}
	room := id.RoomID(resp.RoomID)
	content := format.RenderMarkdown(resp.Content, true, false)
	if _, err := c.client.SendMessageEvent(ctx, room, event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix send to %s: %w", room, err)
	}
	slog.Debug("matrix chunk sent", "room", room, "len", len(resp.Content))

	if c.clearTyping(room) {
		_, _ = c.client.UserTyping(ctx, room, false, 0)
	}
	return nil
}

// Typing toggles the typing notice in a room.
func (c *Channel) Typing(ctx context.Context, roomID string, typing bool) error {
	room := id.RoomID(roomID)
	c.mu.Lock()
	if typing {
		c.typing[room] = true
	} else {
		delete(c.typing, room)
	}
	c.mu.Unlock()

	if !c.ready.Load() {
		return channel.ErrNotConnected
	}
	_, err := c.client.UserTyping(ctx, room, typing, 30*time.Second)
	return err
}

func (c *Channel) clearTyping(room id.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.typing[room]
	delete(c.typing, room)
	return was
}

func (c *Channel) Stop() error {
	if c.ready.Load() {
		c.client.StopSync()
	}
	return nil
}

const handlerFailureText = "*(Something went wrong on the guild side. Try again in a moment.)*"

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	msg, ok := inbound(evt, c.client.UserID, c.since, c.config.AllowedUsers)
	if !ok {
		return
	}
	slog.Info("matrix message", "sender", msg.SenderID, "room", msg.RoomID, "preview", truncate(msg.Content, 100))

	if err := c.handler(ctx, msg); err != nil {
		slog.Error("matrix message not handled", "room", msg.RoomID, "error", err)
		_ = c.Send(ctx, channel.Response{RoomID: msg.RoomID, Content: handlerFailureText})
	}
}

// inbound converts a room message into a chat message. It rejects the
// bot's own echoes, backlog older than since, senders outside allowed and
// anything that is not non-blank text.
func inbound(evt *event.Event, self id.UserID, since int64, allowed []string) (channel.Message, bool) {
	if evt.Sender == self || evt.Timestamp < since || !isAllowed(allowed, evt.Sender) {
		return channel.Message{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText || strings.TrimSpace(content.Body) == "" {
		return channel.Message{}, false
	}
	return channel.Message{
		Source:    "matrix",
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   content.Body,
		Timestamp: evt.Timestamp,
	}, true
}

// onInvite joins rooms the bot is invited to by an allowed user.
func (c *Channel) onInvite(ctx context.Context, evt *event.Event) {
	if !shouldJoin(evt, c.client.UserID) {
		return
	}
	if !isAllowed(c.config.AllowedUsers, evt.Sender) {
		slog.Warn("matrix invite ignored", "room", evt.RoomID, "from", evt.Sender)
		return
	}
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("matrix join failed", "room", evt.RoomID, "error", err)
		return
	}
	slog.Info("matrix room joined", "room", evt.RoomID, "from", evt.Sender)
}

func shouldJoin(evt *event.Event, self id.UserID) bool {
	if evt.GetStateKey() != string(self) {
		return false
	}
	member := evt.Content.AsMember()
	return member != nil && member.Membership == event.MembershipInvite
}

// credentials is the saved login, reused across restarts so the bot keeps
// one device.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

func (cr credentials) apply(client *mautrix.Client) {
	client.AccessToken = cr.AccessToken
	client.UserID = id.UserID(cr.UserID)
	client.DeviceID = id.DeviceID(cr.DeviceID)
}

type credStore struct{ path string }

func (s credStore) load() (credentials, error) {
	var cr credentials
	data, err := os.ReadFile(s.path)
	if err != nil {
		return cr, err
	}
	if err := json.Unmarshal(data, &cr); err != nil {
		return cr, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if cr.AccessToken == "" {
		return cr, fmt.Errorf("%s: no access token", s.path)
	}
	return cr, nil
}

func (s credStore) save(cr credentials) error {
	data, err := json.MarshalIndent(cr, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// isAllowed reports whether sender may talk to the bot. An empty list
// allows everyone.
func isAllowed(allowed []string, sender id.UserID) bool {
	if len(allowed) == 0 || allowed[0] == "" {
		return true
	}
	return slices.Contains(allowed, string(sender))
}

// truncate flattens newlines and cuts s to n runes for log previews.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
