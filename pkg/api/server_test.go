package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/asynclang/pkg/agent"
	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/go-go-golems/asynclang/pkg/store"
	"github.com/go-go-golems/asynclang/pkg/threads"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, options ...ServerOption) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	st := store.NewInMemoryStore()
	svc := threads.NewService(st, agent.NewEchoAgent("", 0), threads.WithMetrics(threads.NewMetrics(reg)))
	options = append([]ServerOption{WithGatherer(reg)}, options...)
	srv := httptest.NewServer(NewServer(svc, options...).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
		_ = st.Close()
	})
	return srv
}

func do(t *testing.T, srv *httptest.Server, method string, path string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func createThread(t *testing.T, srv *httptest.Server, title string) conversation.Thread {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/api/threads", map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var th conversation.Thread
	decode(t, resp, &th)
	return th
}

func waitForTask(t *testing.T, srv *httptest.Server, id conversation.ThreadID) ThreadView {
	t.Helper()
	var view ThreadView
	require.Eventually(t, func() bool {
		resp := do(t, srv, http.MethodGet, "/api/threads/"+id.String(), nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		view = ThreadView{}
		decode(t, resp, &view)
		return view.Task != nil && view.Task.State.Done()
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]string
	decode(t, resp, &health)
	require.Equal(t, "healthy", health["status"])

	resp = do(t, srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPromptRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	th := createThread(t, srv, "T1")
	require.Equal(t, "T1", th.Title)

	resp := do(t, srv, http.MethodPost, "/api/threads/"+th.ID.String()+"/messages", map[string]string{"content": "Hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted acceptedResponse
	decode(t, resp, &accepted)
	require.NotEmpty(t, accepted.TaskID)
	require.Equal(t, th.ID, accepted.ThreadID)

	view := waitForTask(t, srv, th.ID)
	require.Equal(t, conversation.TaskStateSucceeded, view.Task.State)
	require.Equal(t, accepted.TaskID, view.Task.ID)
	require.Len(t, view.Messages, 2)
	require.Len(t, view.ActivePath, 2)

	require.Len(t, view.Display, 2)
	require.Equal(t, conversation.DisplayRoleUser, view.Display[0].Role)
	require.Equal(t, "Hello", view.Display[0].Content)
	require.Equal(t, conversation.DisplayRoleAssistant, view.Display[1].Role)
	require.Equal(t, view.Display[0].MessageID, view.Display[1].ParentID)

	resp = do(t, srv, http.MethodGet, "/api/threads/"+th.ID.String()+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []*conversation.Message
	decode(t, resp, &msgs)
	require.Len(t, msgs, 2)
	require.Equal(t, msgs[0].ID, msgs[1].ParentID)

	resp = do(t, srv, http.MethodGet, "/api/threads/"+th.ID.String()+"/messages/"+msgs[1].ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m conversation.Message
	decode(t, resp, &m)
	require.Equal(t, msgs[1].ID, m.ID)
	require.Equal(t, conversation.MessageKindResponse, m.Kind)

	resp = do(t, srv, http.MethodGet, "/api/threads/"+th.ID.String()+"/messages/"+conversation.NewNodeID().String(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBranchFromParent(t *testing.T) {
	srv := newTestServer(t)
	th := createThread(t, srv, "branches")

	resp := do(t, srv, http.MethodPost, "/api/threads/"+th.ID.String()+"/messages", map[string]string{"content": "first"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	view := waitForTask(t, srv, th.ID)
	request := view.ActivePath[0]

	response := view.ActivePath[1]

	// regenerate: a second child of the first request
	resp = do(t, srv, http.MethodPost, "/api/threads/"+th.ID.String()+"/messages", map[string]string{
		"content":   "first, edited",
		"parent_id": request.String(),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		resp := do(t, srv, http.MethodGet, "/api/threads/"+th.ID.String(), nil)
		view = ThreadView{}
		decode(t, resp, &view)
		return len(view.Messages) == 4 && view.Task.State.Done()
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, view.ActivePath, 3)
	require.Equal(t, request, view.ActivePath[0])
	require.NotContains(t, view.ActivePath, response)
	require.Equal(t, "first, edited", view.Display[1].Content)

	resp = do(t, srv, http.MethodPost, "/api/threads/"+th.ID.String()+"/messages", map[string]string{
		"content":   "child",
		"parent_id": conversation.NewNodeID().String(),
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestThreadLifecycle(t *testing.T) {
	srv := newTestServer(t)
	a := createThread(t, srv, "a")
	b := createThread(t, srv, "b")

	resp := do(t, srv, http.MethodGet, "/api/threads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []conversation.Thread
	decode(t, resp, &list)
	require.Len(t, list, 2)
	for _, th := range list {
		require.Nil(t, th.Messages)
	}

	resp = do(t, srv, http.MethodPatch, "/api/threads/"+a.ID.String(), map[string]interface{}{
		"title":            "renamed",
		"expected_version": a.Version,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var renamed conversation.Thread
	decode(t, resp, &renamed)
	require.Equal(t, "renamed", renamed.Title)

	resp = do(t, srv, http.MethodPatch, "/api/threads/"+a.ID.String(), map[string]interface{}{
		"title":            "stale",
		"expected_version": a.Version,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, "/api/threads/"+b.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, srv, http.MethodDelete, "/api/threads/"+b.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, srv, http.MethodGet, "/api/threads/"+b.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, srv, http.MethodGet, "/api/threads/"+b.ID.String()+"/messages", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/threads", nil)
	list = nil
	decode(t, resp, &list)
	require.Len(t, list, 1)
	require.Equal(t, a.ID, list[0].ID)
}

func TestRequestValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/api/threads", map[string]string{"title": "  "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e errorResponse
	decode(t, resp, &e)
	require.Contains(t, e.Error, "title")

	resp = do(t, srv, http.MethodPost, "/api/threads", map[string]string{"title": strings.Repeat("x", threads.MaxTitleLength+1)})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/threads", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)

	th := createThread(t, srv, "ok")
	resp = do(t, srv, http.MethodPost, "/api/threads/"+th.ID.String()+"/messages", map[string]string{"content": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/api/threads/"+conversation.NewThreadID().String()+"/messages", map[string]string{"content": "hi"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/threads/not-a-uuid", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPromptRateLimit(t *testing.T) {
	srv := newTestServer(t, WithRateLimit(0.01, 1))
	th := createThread(t, srv, "limited")

	resp := do(t, srv, http.MethodPost, "/api/threads/"+th.ID.String()+"/messages", map[string]string{"content": "one"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = do(t, srv, http.MethodPost, "/api/threads/"+th.ID.String()+"/messages", map[string]string{"content": "two"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestNotificationWebhook(t *testing.T) {
	srv := newTestServer(t)
	th := createThread(t, srv, "webhook")

	resp := do(t, srv, http.MethodPost, "/api/threads/"+th.ID.String()+"/webhook/mcp", map[string]string{
		"mcp_name": "calendar",
		"content":  "meeting moved",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	view := waitForTask(t, srv, th.ID)
	require.Equal(t, conversation.TaskStateSucceeded, view.Task.State)
	var n threads.Notification
	require.NoError(t, json.Unmarshal([]byte(view.Display[0].Content), &n))
	require.Equal(t, "calendar", n.MCPName)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	th := createThread(t, srv, "metrics")
	resp := do(t, srv, http.MethodPost, "/api/threads/"+th.ID.String()+"/messages", map[string]string{"content": "Hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitForTask(t, srv, th.ID)

	resp = do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(b), "asynclang_tasks_total")
}
