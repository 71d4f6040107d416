package daemon

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/questbuddy/internal/protocol"
	"github.com/nous-labs/questbuddy/internal/segment"
	"github.com/nous-labs/questbuddy/pkg/channel"
	"github.com/nous-labs/questbuddy/pkg/events"
)

// MsgGatewayUnavailable is the reply when the language model fails. The
// user turn stays in history; no assistant turn is recorded.
const MsgGatewayUnavailable = "Oops, my quest brain short-circuited. Try asking again in a bit!"

// HandleMessage runs one message through the pipeline and returns the
// reply text. Messages from the same sender are processed one at a time.
// The only error is ctx ending while waiting for an earlier message of the
// same sender.
func (d *Daemon) HandleMessage(ctx context.Context, msg channel.Message) (string, error) {
	turn := uuid.NewString()
	log := slog.With("turn", turn, "user", msg.SenderID, "source", msg.Source)
	start := time.Now()

	ex, err := d.sessions.Begin(ctx, msg.SenderID, msg.Content)
	if err != nil {
		log.Warn("message dropped while waiting for previous exchange", "error", err)
		return "", err
	}
	defer ex.Close()

	log.Info("processing message", "len", len(msg.Content))
	d.events.Publish(events.Event{
		Type: events.TypeChat, User: msg.SenderID, Turn: turn, Role: "user", Content: msg.Content,
	})

	system, turns := ex.Payload()
	raw, err := d.gateway.Send(ctx, turns, system)
	if err != nil {
		log.Error("llm gateway failed", "error", err)
		d.events.Publish(events.Event{
			Type: events.TypeError, User: msg.SenderID, Turn: turn, Message: err.Error(), Level: "error",
		})
		return MsgGatewayUnavailable, nil
	}

	reply := d.respond(ctx, log, turn, msg.SenderID, raw)
	ex.Complete(reply)

	log.Info("response ready",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"len", len(reply),
	)
	d.events.Publish(events.Event{
		Type: events.TypeChat, User: msg.SenderID, Turn: turn, Role: "assistant", Content: reply,
	})
	return reply, nil
}

// respond turns raw model output into the user-facing reply.
func (d *Daemon) respond(ctx context.Context, log *slog.Logger, turn, userID, raw string) string {
	res := protocol.Classify(raw)
	if res.Kind != protocol.KindToolCall {
		if res.Rejected {
			log.Warn("model returned JSON that is not a tool call", "raw", raw)
		}
		return res.Text
	}

	d.events.Publish(events.Event{Type: events.TypeTool, User: userID, Turn: turn, Tool: res.Call.Name})
	return d.dispatcher.Execute(ctx, res.Call, userID)
}

// chunks splits a reply for sending and drops whitespace-only chunks.
func (d *Daemon) chunks(text string) []string {
	parts := segment.Split(text, d.chunkLimit)
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
