// Package daemon runs questbuddy: it receives chat messages from every
// configured channel, drives each through the quest pipeline and serves
// the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/questbuddy/internal/channel/matrix"
	"github.com/nous-labs/questbuddy/internal/channel/websocket"
	"github.com/nous-labs/questbuddy/internal/llm"
	"github.com/nous-labs/questbuddy/internal/quest"
	"github.com/nous-labs/questbuddy/internal/reminder"
	"github.com/nous-labs/questbuddy/internal/session"
	"github.com/nous-labs/questbuddy/internal/store"
	"github.com/nous-labs/questbuddy/pkg/channel"
	"github.com/nous-labs/questbuddy/pkg/events"
)

// Gateway is the language model boundary.
type Gateway interface {
	Send(ctx context.Context, turns []llm.Message, system string) (string, error)
}

// Daemon is the main questbuddy process.
type Daemon struct {
	config     *Config
	store      store.Store
	sessions   *session.Manager
	gateway    Gateway
	dispatcher *quest.Dispatcher
	events     *events.Bus
	reminder   *reminder.Worker
	websocket  *websocket.Channel

	chMu     sync.RWMutex
	channels map[string]channel.Channel
	order    []string

	chunkLimit int
	chunkDelay time.Duration

	startedAt time.Time
	healthy   atomic.Bool
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithDispatcher replaces the dispatcher built from the store.
func WithDispatcher(q *quest.Dispatcher) Option {
	return func(d *Daemon) { d.dispatcher = q }
}

// WithChannel registers an extra channel.
func WithChannel(ch channel.Channel) Option {
	return func(d *Daemon) { d.addChannel(ch) }
}

// New creates a daemon over an open store and a gateway. Matrix and
// websocket channels are created from cfg when enabled.
func New(cfg *Config, st store.Store, gw Gateway, opts ...Option) (*Daemon, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	delay, err := cfg.ChunkDelay()
	if err != nil {
		return nil, err
	}

	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = quest.SystemPrompt
	}
	sessions, err := session.NewManager(session.Config{
		SystemPrompt: prompt,
		MaxTurns:     cfg.Session.MaxTurns,
		MaxSessions:  cfg.Session.MaxSessions,
	})
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	d := &Daemon{
		config:     cfg,
		store:      st,
		sessions:   sessions,
		gateway:    gw,
		dispatcher: quest.NewDispatcher(st, quest.WithLocation(loc)),
		events:     events.NewBus(0),
		channels:   make(map[string]channel.Channel),
		chunkLimit: cfg.Transport.ChunkLimit,
		chunkDelay: delay,
		startedAt:  time.Now(),
	}

	if cfg.Matrix.Enabled {
		d.addChannel(matrix.New(cfg.Matrix.Config))
		slog.Info("matrix channel configured", "homeserver", cfg.Matrix.Homeserver)
	}
	if cfg.Websocket.Enabled {
		d.websocket = websocket.New(cfg.Websocket.Origins...)
		d.addChannel(d.websocket)
	}
	for _, opt := range opts {
		opt(d)
	}

	d.reminder = reminder.NewWorker(st, d, func(typ, msg string) {
		d.events.Publish(events.Event{Type: events.TypeReminder, Message: msg, Level: typ})
	}, reminder.Config{
		Hour:     cfg.Reminder.Hour,
		Minute:   cfg.Reminder.Minute,
		Location: loc,
	})

	return d, nil
}

func (d *Daemon) addChannel(ch channel.Channel) {
	d.chMu.Lock()
	defer d.chMu.Unlock()
	if _, dup := d.channels[ch.Name()]; !dup {
		d.order = append(d.order, ch.Name())
	}
	d.channels[ch.Name()] = ch
}

func (d *Daemon) channel(name string) (channel.Channel, bool) {
	d.chMu.RLock()
	defer d.chMu.RUnlock()
	ch, ok := d.channels[name]
	return ch, ok
}

// Events returns the daemon's event bus.
func (d *Daemon) Events() *events.Bus { return d.events }

// Reminder returns the reminder worker.
func (d *Daemon) Reminder() *reminder.Worker { return d.reminder }

// Run starts every channel, the HTTP API and the reminder worker, and
// blocks until ctx is cancelled or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.chMu.RLock()
	names := append([]string(nil), d.order...)
	d.chMu.RUnlock()

	slog.Info("questbuddy daemon running",
		"name", d.config.Name,
		"channels", names,
		"timezone", d.config.Timezone,
		"reminder", d.config.Reminder.Enabled,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.serveHTTP(ctx) })

	for _, name := range names {
		ch, _ := d.channel(name)
		g.Go(func() error {
			slog.Info("starting channel", "channel", name)
			if err := ch.Start(ctx, d.onMessage); err != nil && ctx.Err() == nil {
				return fmt.Errorf("%s channel: %w", name, err)
			}
			return nil
		})
	}

	if d.config.Reminder.Enabled {
		g.Go(func() error {
			d.reminder.Run(ctx)
			return nil
		})
	} else {
		slog.Info("reminder worker disabled by config")
	}

	d.healthy.Store(true)
	d.events.Publish(events.Event{Type: events.TypeStatus, Message: "daemon ready"})

	<-ctx.Done()
	d.healthy.Store(false)
	for _, name := range names {
		ch, _ := d.channel(name)
		if err := ch.Stop(); err != nil {
			slog.Warn("channel stop failed", "channel", name, "error", err)
		}
	}

	err := g.Wait()
	slog.Info("questbuddy daemon shutting down")
	return err
}

// Attach registers ch and runs it in the foreground without the HTTP API
// or the reminder worker. It returns when ch stops.
func (d *Daemon) Attach(ctx context.Context, ch channel.Channel) error {
	d.addChannel(ch)
	d.healthy.Store(true)
	defer d.healthy.Store(false)
	return ch.Start(ctx, d.onMessage)
}

// onMessage handles an inbound message from any channel: it runs the
// pipeline, remembers where the user can be reached and sends the reply
// back as chunks.
func (d *Daemon) onMessage(ctx context.Context, msg channel.Message) error {
	ch, ok := d.channel(msg.Source)
	if !ok {
		return fmt.Errorf("message from unregistered channel %q", msg.Source)
	}

	if err := d.rememberRoute(ctx, msg); err != nil {
		slog.Warn("could not record route", "user", msg.SenderID, "error", err)
	}

	if t, ok := ch.(channel.Typer); ok {
		if err := t.Typing(ctx, msg.RoomID, true); err != nil {
			slog.Debug("typing indicator failed", "channel", msg.Source, "error", err)
		}
	}

	reply, err := d.HandleMessage(ctx, msg)
	if err != nil {
		return err
	}
	_, err = d.deliver(ctx, ch, msg.RoomID, reply)
	return err
}

// deliver segments text and sends every non-blank chunk with the
// configured pause between sends. It returns the chunks that were sent.
func (d *Daemon) deliver(ctx context.Context, ch channel.Channel, roomID, text string) ([]string, error) {
	chunks := d.chunks(text)
	for i, chunk := range chunks {
		if i > 0 && d.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return chunks[:i], ctx.Err()
			case <-time.After(d.chunkDelay):
			}
		}
		if err := ch.Send(ctx, channel.Response{RoomID: roomID, Content: chunk}); err != nil {
			slog.Error("failed to send chunk", "channel", ch.Name(), "room", roomID, "chunk", i+1, "error", err)
			return chunks[:i], fmt.Errorf("send response: %w", err)
		}
	}
	return chunks, nil
}

const routeKeyPrefix = "route:"

// rememberRoute records the channel and room a user last wrote from.
func (d *Daemon) rememberRoute(ctx context.Context, msg channel.Message) error {
	return d.store.KVSet(ctx, routeKeyPrefix+msg.SenderID, msg.Source+"|"+msg.RoomID)
}

// Notify delivers text to the channel and room the user last wrote from.
// It returns reminder.ErrNoRoute when the user has never written or the
// channel is no longer configured.
func (d *Daemon) Notify(ctx context.Context, userID, text string) error {
	route, err := d.store.KVGet(ctx, routeKeyPrefix+userID)
	if err != nil {
		return fmt.Errorf("load route: %w", err)
	}
	source, room, ok := strings.Cut(route, "|")
	if !ok {
		return reminder.ErrNoRoute
	}
	ch, ok := d.channel(source)
	if !ok {
		return fmt.Errorf("%w: channel %q not running", reminder.ErrNoRoute, source)
	}
	_, err = d.deliver(ctx, ch, room, text)
	if errors.Is(err, channel.ErrNotConnected) {
		return fmt.Errorf("%w: %v", reminder.ErrNoRoute, err)
	}
	return err
}

// healthStatus is served at /health.
func (d *Daemon) healthStatus() (int, map[string]string) {
	if !d.healthy.Load() {
		return http.StatusServiceUnavailable, map[string]string{"status": "starting"}
	}
	return http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(d.startedAt).Round(time.Second).String(),
	}
}
