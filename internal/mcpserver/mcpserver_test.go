package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/questbuddy/internal/progress"
	"github.com/nous-labs/questbuddy/internal/protocol"
	"github.com/nous-labs/questbuddy/internal/quest"
)

type fakeDispatcher struct {
	calls  []protocol.ToolCall
	users  []string
	reply  string
	report []quest.QuestProgress
	err    error
}

func (f *fakeDispatcher) Execute(_ context.Context, call protocol.ToolCall, userID string) string {
	f.calls = append(f.calls, call)
	f.users = append(f.users, userID)
	return f.reply
}

func (f *fakeDispatcher) Report(context.Context, string) ([]quest.QuestProgress, error) {
	return f.report, f.err
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func toolFor(t *testing.T, d Dispatcher, verb string) *QuestTool {
	t.Helper()
	for _, qt := range Tools(d) {
		if qt.verb == verb {
			return qt
		}
	}
	t.Fatalf("no tool %s", verb)
	return nil
}

func TestDefinitions(t *testing.T) {
	d := &fakeDispatcher{}
	names := map[string]bool{}
	for _, qt := range Tools(d) {
		def := qt.Definition()
		names[def.Name] = true
		assert.Contains(t, def.InputSchema.Required, argUserID, def.Name)
		_, hasName := def.InputSchema.Properties[quest.ArgHabitName]
		assert.Equal(t, qt.needsName, hasName, def.Name)
	}
	for _, verb := range []string{
		quest.VerbAddHabit, quest.VerbMarkHabitDone, quest.VerbGetStatus,
		quest.VerbListHabits, quest.VerbRemoveHabit, quest.VerbUndoLastEntry,
	} {
		assert.True(t, names[verb], verb)
	}
}

func TestHandleForwardsToDispatcher(t *testing.T) {
	d := &fakeDispatcher{reply: "[Quest Clear] ..."}
	res, err := toolFor(t, d, quest.VerbMarkHabitDone).Handle(context.Background(),
		makeReq(map[string]any{argUserID: "u1", quest.ArgHabitName: "Run"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "[Quest Clear] ...", resultText(res))

	require.Len(t, d.calls, 1)
	assert.Equal(t, quest.VerbMarkHabitDone, d.calls[0].Name)
	assert.Equal(t, "Run", d.calls[0].Args[quest.ArgHabitName])
	assert.Equal(t, "u1", d.users[0])
}

func TestHandleWithoutNameArg(t *testing.T) {
	d := &fakeDispatcher{reply: "[Quest List]"}
	_, err := toolFor(t, d, quest.VerbListHabits).Handle(context.Background(),
		makeReq(map[string]any{argUserID: "u1", quest.ArgHabitName: "ignored"}))
	require.NoError(t, err)
	assert.Empty(t, d.calls[0].Args)
}

func TestHandleRequiresUser(t *testing.T) {
	d := &fakeDispatcher{}
	res, err := toolFor(t, d, quest.VerbGetStatus).Handle(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Empty(t, d.calls)
}

func TestStoreFailureIsToolError(t *testing.T) {
	d := &fakeDispatcher{reply: quest.MsgStoreUnavailable}
	res, err := toolFor(t, d, quest.VerbGetStatus).Handle(context.Background(),
		makeReq(map[string]any{argUserID: "u1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestReportTool(t *testing.T) {
	d := &fakeDispatcher{report: []quest.QuestProgress{{
		Name:     "run",
		Title:    "Run",
		Snapshot: progress.FromTotal(3),
	}}}
	rt := &ReportTool{dispatcher: d}
	res, err := rt.Handle(context.Background(), makeReq(map[string]any{argUserID: "u1"}))
	require.NoError(t, err)

	var got []quest.QuestProgress
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), &got))
	require.Len(t, got, 1)
	assert.Equal(t, 150, got[0].Snapshot.TotalXP)

	d.err = errors.New("sqlite: database is locked")
	res, err = rt.Handle(context.Background(), makeReq(map[string]any{argUserID: "u1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, quest.MsgStoreUnavailable, resultText(res))
	assert.NotContains(t, resultText(res), "database is locked")
}

func TestNewRegistersTools(t *testing.T) {
	s := New(&fakeDispatcher{})
	require.NotNil(t, s)
}
