// Package console runs questbuddy as a line-oriented terminal chat.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/nous-labs/questbuddy/pkg/channel"
)

// UserID is the identity of the person at the terminal.
const UserID = "cli-user"

const exitCommand = "exit"

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#89b4fa"))
	botStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#a6e3a1"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6c7086"))
	separator   = hintStyle.Render(strings.Repeat("─", 40))
)

// Channel reads user lines from in and writes replies to out.
type Channel struct {
	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

// New creates a console channel.
func New(in io.Reader, out io.Writer) *Channel {
	return &Channel{in: in, out: out}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "console" }

// Start runs the REPL until the user types "exit", input ends or ctx is
// cancelled. Each line is handled to completion before the next prompt.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.printf("%s\n", hintStyle.Render("Quest Buddy is online. Type 'exit' to leave."))
	for {
		c.prompt()
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			c.printf("\n")
			select {
			case err := <-readErr:
				if err != nil {
					return fmt.Errorf("read console input: %w", err)
				}
			default:
			}
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, exitCommand) {
			c.printf("%s\n", hintStyle.Render("See you on the next quest, adventurer."))
			return nil
		}

		msg := channel.Message{
			Source:    c.Name(),
			SenderID:  UserID,
			RoomID:    UserID,
			Content:   line,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := handler(ctx, msg); err != nil {
			c.printf("%s %v\n", botStyle.Render("Quest Buddy:"), err)
		}
		c.printf("%s\n", separator)
	}
}

// Send prints one reply chunk.
func (c *Channel) Send(_ context.Context, resp channel.Response) error {
	c.printf("%s %s\n", botStyle.Render("Quest Buddy:"), resp.Content)
	return nil
}

// Stop is a no-op; Start returns when its context ends.
func (c *Channel) Stop() error { return nil }

func (c *Channel) prompt() {
	c.printf("%s ", promptStyle.Render("You:"))
}

func (c *Channel) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
