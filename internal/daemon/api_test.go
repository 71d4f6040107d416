package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/questbuddy/internal/llm"
)

func postChat(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealthBeforeRun(t *testing.T) {
	d, _, _ := newTestDaemon(t, replyWith("hi"))
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	d.healthy.Store(true)
	resp2, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestChatEndpoint(t *testing.T) {
	gw := replyWith(`{"tool_name":"add_habit","args":{"habitName":"read"}}`)
	d, _, _ := newTestDaemon(t, gw)
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	resp, out := postChat(t, srv, `{"user_id":"u1","message":"track reading"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out["reply"], `Quest "Read" is now open.`)
	assert.Len(t, out["chunks"], 1)

	r, err := http.Get(srv.URL + "/v1/users/u1/quests")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var quests struct {
		UserID string `json:"user_id"`
		Count  int    `json:"count"`
		Quests []struct {
			Name  string `json:"name"`
			Title string `json:"title"`
		} `json:"quests"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&quests))
	assert.Equal(t, "u1", quests.UserID)
	require.Equal(t, 1, quests.Count)
	assert.Equal(t, "read", quests.Quests[0].Name)
	assert.Equal(t, "Read", quests.Quests[0].Title)
}

func TestChatEndpointRejectsBadInput(t *testing.T) {
	d, _, _ := newTestDaemon(t, replyWith("hi"))
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `hello`},
		{"missing user", `{"message":"hi"}`},
		{"blank message", `{"user_id":"u1","message":"  "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postChat(t, srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}
	assert.Empty(t, d.sessions.Turns("u1"))
}

func TestWebsocketRouteOnlyWhenEnabled(t *testing.T) {
	d, _, _ := newTestDaemon(t, replyWith("hi"))
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/chat?user=u1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBuildGatewayWithoutCredentials(t *testing.T) {
	cfg := LLMConfig{Provider: []string{"gemini", "anthropic", "mystery"}}
	gw, router := BuildGateway(context.Background(), cfg)
	require.NotNil(t, gw)
	assert.Equal(t, 0, router.Len())

	_, err := gw.Send(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, "system")
	assert.ErrorIs(t, err, llm.ErrNoProvider)
}
