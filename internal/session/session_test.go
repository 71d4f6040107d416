package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nous-labs/questbuddy/internal/llm"
)

func TestMain(m *testing.M) {
	// opencensus (linked in through the genai SDK) starts a worker in init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "you are a quest master"
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestFirstContactCreatesSystemTurn(t *testing.T) {
	m := newManager(t, Config{})
	m.AppendUser("u1", "hi")

	turns := m.Turns("u1")
	require.Len(t, turns, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleSystem, Content: "you are a quest master"}, turns[0])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hi"}, turns[1])

	system, payload := m.Payload("u1")
	assert.Equal(t, "you are a quest master", system)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, payload)
}

func TestAppendAssistantNeedsSession(t *testing.T) {
	m := newManager(t, Config{})
	err := m.AppendAssistant("ghost", "hello")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestWindowKeepsSystemAndRecentTurns(t *testing.T) {
	m := newManager(t, Config{MaxTurns: 10})
	for i := 1; i <= 7; i++ {
		m.AppendUser("u1", fmt.Sprintf("user %d", i))
		require.NoError(t, m.AppendAssistant("u1", fmt.Sprintf("assistant %d", i)))
		m.Window("u1", m.MaxTurns())
		assert.LessOrEqual(t, len(m.Turns("u1")), 11)
	}

	m.AppendUser("u1", "user 8")
	_, payload := m.Payload("u1")
	require.Len(t, payload, 11)
	assert.Equal(t, "user 3", payload[0].Content, "the two oldest exchanges are dropped")
	assert.Equal(t, "user 8", payload[10].Content)
	assert.Equal(t, llm.RoleSystem, m.Turns("u1")[0].Role)
}

func TestExchangeLifecycle(t *testing.T) {
	m := newManager(t, Config{MaxTurns: 4})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ex, err := m.Begin(ctx, "u1", fmt.Sprintf("q%d", i))
		require.NoError(t, err)
		system, payload := ex.Payload()
		assert.Equal(t, "you are a quest master", system)
		assert.Equal(t, fmt.Sprintf("q%d", i), payload[len(payload)-1].Content)
		ex.Complete(fmt.Sprintf("a%d", i))
		ex.Close()
		ex.Close()
	}

	turns := m.Turns("u1")
	require.Len(t, turns, 5)
	assert.Equal(t, []string{"q2", "a2", "q3", "a3"}, contents(turns[1:]))
}

func TestAbortedExchangeKeepsUserTurnOnly(t *testing.T) {
	m := newManager(t, Config{})
	ex, err := m.Begin(context.Background(), "u1", "hello?")
	require.NoError(t, err)
	ex.Close()

	turns := m.Turns("u1")
	require.Len(t, turns, 2)
	assert.Equal(t, llm.RoleUser, turns[1].Role)
}

func TestAbortedExchangesStayWindowed(t *testing.T) {
	m := newManager(t, Config{MaxTurns: 3})
	for i := 1; i <= 5; i++ {
		ex, err := m.Begin(context.Background(), "u1", fmt.Sprintf("q%d", i))
		require.NoError(t, err)
		ex.Close()
	}

	turns := m.Turns("u1")
	require.Len(t, turns, 4)
	assert.Equal(t, llm.RoleSystem, turns[0].Role)
	assert.Equal(t, []string{"q3", "q4", "q5"}, contents(turns[1:]))
}

func TestBeginSerializesSameUser(t *testing.T) {
	m := newManager(t, Config{MaxTurns: 100})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ex, err := m.Begin(ctx, "u1", fmt.Sprintf("q%d", i))
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			defer ex.Close()
			time.Sleep(time.Millisecond)
			ex.Complete(fmt.Sprintf("a%d", i))
		}(i)
	}
	wg.Wait()

	turns := m.Turns("u1")[1:]
	require.Len(t, turns, 40)
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, llm.RoleUser, turns[i].Role)
		assert.Equal(t, llm.RoleAssistant, turns[i+1].Role)
		assert.Equal(t, "a"+turns[i].Content[1:], turns[i+1].Content, "pair %d interleaved", i/2)
	}
	assert.Empty(t, m.locks, "lock entries are released")
}

func TestBeginHonoursContext(t *testing.T) {
	m := newManager(t, Config{})
	held, err := m.Begin(context.Background(), "u1", "first")
	require.NoError(t, err)
	defer held.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Begin(ctx, "u1", "second")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := m.Begin(context.Background(), "u2", "independent")
	require.NoError(t, err)
	other.Close()
}

func TestRegistryIsBounded(t *testing.T) {
	m := newManager(t, Config{MaxSessions: 2})
	m.AppendUser("a", "1")
	m.AppendUser("b", "1")
	m.AppendUser("a", "2")
	m.AppendUser("c", "1")

	assert.Equal(t, 2, m.Len())
	assert.Nil(t, m.Turns("b"), "least recently used session is evicted")
	assert.Len(t, m.Turns("a"), 3)
}

func TestCompleteRestoresEvictedSession(t *testing.T) {
	m := newManager(t, Config{MaxSessions: 1})
	ex, err := m.Begin(context.Background(), "a", "hi")
	require.NoError(t, err)
	m.AppendUser("b", "pushes a out")

	ex.Complete("hello")
	ex.Close()
	assert.Equal(t, []string{"you are a quest master", "hi", "hello"}, contents(m.Turns("a")))
}

func contents(turns []llm.Message) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}
