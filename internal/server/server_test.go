package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sportsphere/sportchat/internal/backend"
	"github.com/sportsphere/sportchat/internal/chat"
	"github.com/sportsphere/sportchat/internal/metrics"
	"github.com/sportsphere/sportchat/internal/models"
	"github.com/sportsphere/sportchat/internal/store"
)

type transportFunc func(ctx context.Context, history []models.Message, id string, onChunk func(string)) (string, error)

func (f transportFunc) Send(ctx context.Context, history []models.Message, id string, onChunk func(string)) (string, error) {
	return f(ctx, history, id, onChunk)
}

func echo(_ context.Context, history []models.Message, _ string, onChunk func(string)) (string, error) {
	reply := "You said: " + history[len(history)-1].Content
	onChunk(reply)
	return reply, nil
}

type fakeRemote struct {
	mu      sync.Mutex
	renames []string
	deleted []string
}

func (r *fakeRemote) ListChats(context.Context) ([]models.Conversation, error) {
	return []models.Conversation{
		{ID: "100", Title: "Derby Preview", UpdatedAt: time.Unix(100, 0)},
		{ID: "200", Title: "Injury Report", UpdatedAt: time.Unix(200, 0)},
	}, nil
}

func (r *fakeRemote) GetMessages(_ context.Context, id string) ([]models.Message, error) {
	return []models.Message{
		{Role: models.RoleUser, Content: "Who wins " + id + "?"},
		{Role: models.RoleAssistant, Content: "Nobody knows."},
	}, nil
}

func (r *fakeRemote) RenameChat(_ context.Context, id, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renames = append(r.renames, id+"="+title)
	return nil
}

func (r *fakeRemote) DeleteChat(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return nil
}

type harness struct {
	session *chat.Session
	server  *Server
	http    *httptest.Server
	remote  *fakeRemote
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, transport chat.Transport) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	remote := &fakeRemote{}
	session := chat.NewSession(chat.Config{
		Store:     store.New(),
		Transport: transport,
		Remote:    remote,
		Metrics:   m,
	})
	require.NoError(t, session.Refresh(context.Background()))

	srv := New(session, WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		session.Close()
	})
	return &harness{session: session, server: srv, http: ts, remote: remote, metrics: m}
}

func (h *harness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestStateListsConversations(t *testing.T) {
	h := newHarness(t, transportFunc(echo))

	resp := h.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[stateData](t, resp)

	require.Len(t, state.Conversations, 2)
	assert.Equal(t, "200", state.Conversations[0].ID)
	require.NotNil(t, state.Current)
	assert.True(t, state.Current.Draft)
	assert.Equal(t, models.NewChatTitle, state.Current.Title)
	assert.False(t, state.Busy)
	assert.Equal(t, "idle", state.TurnState)
}

func TestTurnRoundTrip(t *testing.T) {
	h := newHarness(t, transportFunc(echo))

	resp := h.do(t, http.MethodPost, "/api/turn", `{"text":"Hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turn := decode[turnResponse](t, resp)
	assert.Equal(t, "settled", turn.State)
	assert.Equal(t, "You said: Hi", turn.Content)

	state := decode[stateData](t, h.do(t, http.MethodGet, "/api/state", ""))
	require.NotNil(t, state.Current)
	assert.False(t, state.Current.Draft)
	assert.Equal(t, turn.ConversationID, state.Current.ID)
	assert.Equal(t, []models.Message{
		{Role: models.RoleUser, Content: "Hi"},
		{Role: models.RoleAssistant, Content: "You said: Hi"},
	}, state.Current.Messages)
	assert.Len(t, state.Conversations, 3)

	body, err := io.ReadAll(h.do(t, http.MethodGet, "/metrics", "").Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sportchat_turns_total{outcome="settled"} 1`)
}

func TestTurnErrors(t *testing.T) {
	h := newHarness(t, transportFunc(echo))

	resp := h.do(t, http.MethodPost, "/api/turn", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/turn", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBusyAndCancel(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, transportFunc(func(ctx context.Context, _ []models.Message, _ string, onChunk func(string)) (string, error) {
		onChunk("Thinking")
		close(started)
		<-ctx.Done()
		return "Thinking", backend.ErrCancelled
	}))

	done := make(chan turnResponse)
	go func() {
		resp, err := http.Post(h.http.URL+"/api/turn", "application/json", strings.NewReader(`{"text":"Long one"}`))
		if !assert.NoError(t, err) {
			close(done)
			return
		}
		defer resp.Body.Close()
		var turn turnResponse
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&turn))
		done <- turn
	}()
	<-started

	resp := h.do(t, http.MethodPost, "/api/turn", `{"text":"Another"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	cancelled := decode[map[string]bool](t, h.do(t, http.MethodPost, "/api/turn/cancel", ""))
	assert.True(t, cancelled["cancelled"])

	turn := <-done
	assert.Equal(t, "cancelled", turn.State)
	assert.Equal(t, "Thinking", turn.Content)
}

func TestConversationEndpoints(t *testing.T) {
	h := newHarness(t, transportFunc(echo))

	resp := h.do(t, http.MethodPost, "/api/conversations/100/open", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[stateData](t, resp)
	require.NotNil(t, state.Current)
	assert.Equal(t, "100", state.Current.ID)
	assert.Len(t, state.Current.Messages, 2)

	resp = h.do(t, http.MethodPut, "/api/conversations/100", `{"title":"Cup Final"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Cup Final", decode[conversationSummary](t, resp).Title)

	resp = h.do(t, http.MethodPut, "/api/conversations/100", `{"title":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	pinned := decode[map[string]bool](t, h.do(t, http.MethodPost, "/api/conversations/100/pin", ""))
	assert.True(t, pinned["pinned"])
	list := decode[[]conversationSummary](t, h.do(t, http.MethodGet, "/api/conversations", ""))
	assert.Equal(t, "100", list[0].ID)

	resp = h.do(t, http.MethodGet, "/api/conversations/100/share", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "# Cup Final\n\n**User**: Who wins 100?\n\n**AI**: Nobody knows.", string(text))

	resp = h.do(t, http.MethodDelete, "/api/conversations/100", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.do(t, http.MethodDelete, "/api/conversations/100", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h.remote.mu.Lock()
	defer h.remote.mu.Unlock()
	assert.Equal(t, []string{"100=Cup Final"}, h.remote.renames)
	assert.Equal(t, []string{"100"}, h.remote.deleted)
}

func TestEventsStreamState(t *testing.T) {
	h := newHarness(t, transportFunc(echo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.http.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	dec := backend.NewDecoder(resp.Body)
	next := func() stateData {
		ev, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, "state", ev.Name)
		var state stateData
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &state))
		return state
	}

	first := next()
	require.NotNil(t, first.Current)
	draftID := first.Current.ID

	h.do(t, http.MethodPost, "/api/conversations", "")
	// Wake-ups coalesce, so read until the new draft shows up.
	for {
		state := next()
		if state.Current != nil && state.Current.ID != draftID {
			assert.True(t, state.Current.Draft)
			break
		}
	}

	h.server.Close()
	_, err = dec.Next()
	assert.Error(t, err)
}

func TestServeLogsFailedShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	transport := transportFunc(func(context.Context, []models.Message, string, func(string)) (string, error) {
		close(started)
		<-release
		return "late", nil
	})
	session := chat.NewSession(chat.Config{Store: store.New(), Transport: transport})
	t.Cleanup(session.Close)

	core, logs := observer.New(zapcore.WarnLevel)
	srv := New(session, WithLogger(zap.New(core)))
	srv.shutdownTimeout = 10 * time.Millisecond
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	turnDone := make(chan struct{})
	go func() {
		defer close(turnDone)
		resp, err := http.Post("http://"+srv.Addr()+"/api/turn", "application/json", strings.NewReader(`{"text":"Still there?"}`))
		if assert.NoError(t, err) {
			resp.Body.Close()
		}
	}()
	<-started

	cancel()
	require.NoError(t, <-served)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("shutting down bridge").Len() == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	<-turnDone
}
