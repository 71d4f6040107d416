package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  string
	reply string
	err   error
	got   []CompletionRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return nil, f.err
	}
	return &CompletionResponse{Content: f.reply, Model: f.name + "-model"}, nil
}

func TestRouterFallsThrough(t *testing.T) {
	primary := &fakeProvider{name: "gemini", err: &ProviderError{Message: "quota", Provider: "gemini"}}
	backup := &fakeProvider{name: "anthropic", reply: "hi"}
	r := NewRouter(primary, nil, backup)

	assert.Equal(t, []string{"gemini", "anthropic"}, r.Names())
	resp, err := r.Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Len(t, primary.got, 1)
}

func TestRouterJoinsErrors(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("boom a")}
	b := &fakeProvider{name: "b", err: errors.New("boom b")}
	_, err := NewRouter(a, b).Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom a")
	assert.Contains(t, err.Error(), "boom b")
}

func TestRouterStopsOnCancelledContext(t *testing.T) {
	a := &fakeProvider{name: "a", err: context.Canceled}
	b := &fakeProvider{name: "b", reply: "late"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRouter(a, b).Complete(ctx, CompletionRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, b.got)
}

func TestRouterWithoutProviders(t *testing.T) {
	_, err := NewRouter().Complete(context.Background(), CompletionRequest{})
	assert.Equal(t, ErrNoProvider, err)
}

func TestGatewaySendTrimsAndSeparatesSystem(t *testing.T) {
	p := &fakeProvider{name: "fake", reply: "  \n{\"tool_name\":\"list_habits\",\"args\":{}}\n "}
	g := NewGateway(p)

	turns := []Message{
		{Role: RoleSystem, Content: "ignored here"},
		{Role: RoleUser, Content: "what are my quests?"},
	}
	text, err := g.Send(context.Background(), turns, "quest master")
	require.NoError(t, err)
	assert.Equal(t, `{"tool_name":"list_habits","args":{}}`, text)

	require.Len(t, p.got, 1)
	assert.Equal(t, "quest master", p.got[0].System)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "what are my quests?"}}, p.got[0].Messages)
}

func TestGatewayEmptyReplyIsGatewayError(t *testing.T) {
	g := NewGateway(&fakeProvider{name: "fake", reply: "   "})
	_, err := g.Send(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "")

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGatewayBackendErrorIsGatewayError(t *testing.T) {
	cause := &ProviderError{Message: "HTTP 500", StatusCode: 500, Provider: "fake"}
	g := NewGateway(&fakeProvider{name: "fake", err: cause})
	_, err := g.Send(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "")

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	var pErr *ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 500, pErr.StatusCode)
}

func TestGatewayNoMessages(t *testing.T) {
	p := &fakeProvider{name: "fake", reply: "x"}
	_, err := NewGateway(p).Send(context.Background(), nil, "sys")
	var gwErr *GatewayError
	assert.ErrorAs(t, err, &gwErr)
	assert.Empty(t, p.got)
}

func TestToGeminiContentsMapsRoles(t *testing.T) {
	contents := toGeminiContents([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "hello", contents[1].Parts[0].Text)
}
