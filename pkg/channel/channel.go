// Package channel defines how questbuddy talks to chat transports:
// Matrix, the console REPL and websocket clients.
package channel

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Send when the transport has no live
// connection to the room.
var ErrNotConnected = errors.New("channel not connected")

// Message is an inbound chat message from any channel.
type Message struct {
	// Source names the channel ("matrix", "console", "websocket", "http").
	Source string

	// SenderID is the stable user identity. Session history and the quest
	// log are both keyed by it.
	SenderID string

	// RoomID is where replies go. Channels without rooms reuse SenderID.
	RoomID string

	Content string

	// Timestamp in milliseconds.
	Timestamp int64
}

// Response is one outbound chunk.
type Response struct {
	Content string
	RoomID  string
}

// Channel is a chat transport.
type Channel interface {
	// Name returns the channel identifier (e.g., "matrix").
	Name() string

	// Start begins listening for messages. Blocks until ctx is cancelled.
	Start(ctx context.Context, handler MessageHandler) error

	// Send delivers one chunk to a room. Callers segment long replies
	// before calling Send.
	Send(ctx context.Context, resp Response) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// Typer is implemented by channels that can show a typing indicator
// while a reply is being produced.
type Typer interface {
	Typing(ctx context.Context, roomID string, typing bool) error
}

// MessageHandler is called for every inbound message.
type MessageHandler func(ctx context.Context, msg Message) error
