package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/questbuddy/pkg/channel"
)

func TestREPL(t *testing.T) {
	in := strings.NewReader("add running\n\n   \nwhat's up\nexit\nnever read\n")
	var out bytes.Buffer
	c := New(in, &out)

	var got []channel.Message
	err := c.Start(context.Background(), func(ctx context.Context, msg channel.Message) error {
		got = append(got, msg)
		return c.Send(ctx, channel.Response{RoomID: msg.RoomID, Content: "reply to " + msg.Content})
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "add running", got[0].Content)
	assert.Equal(t, "what's up", got[1].Content)
	for _, m := range got {
		assert.Equal(t, UserID, m.SenderID)
		assert.Equal(t, "console", m.Source)
	}
	assert.Contains(t, out.String(), "reply to add running")
	assert.NotContains(t, out.String(), "never read")
}

func TestEOFEndsSession(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("hello"), &out)
	calls := 0
	err := c.Start(context.Background(), func(context.Context, channel.Message) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestHandlerErrorIsPrinted(t *testing.T) {
	var out bytes.Buffer
	c := New(strings.NewReader("hi\nEXIT\n"), &out)
	err := c.Start(context.Background(), func(context.Context, channel.Message) error {
		return errors.New("gateway down")
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "gateway down")
}
