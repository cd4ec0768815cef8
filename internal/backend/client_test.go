package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportsphere/sportchat/internal/metrics"
	"github.com/sportsphere/sportchat/internal/models"
)

func sseRecord(content string) string {
	b, _ := json.Marshal(map[string]any{"message": map[string]string{"role": "assistant", "content": content}})
	return "data: " + string(b) + "\n\n"
}

func TestSendStreamsChunksInOrder(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		stream := sseRecord("He") + sseRecord("llo") + sseRecord(" wörld")
		// Write in awkward pieces so records and runes straddle reads.
		for i := 0; i < len(stream); i += 7 {
			end := min(i+7, len(stream))
			io.WriteString(w, stream[i:end])
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "SportSphere")
	history := []models.Message{{Role: models.RoleUser, Content: "Hi"}}

	var chunks []string
	full, err := c.Send(context.Background(), history, "42", func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)

	assert.Equal(t, []string{"He", "llo", " wörld"}, chunks)
	assert.Equal(t, "Hello wörld", full)
	assert.Equal(t, "SportSphere", got.Model)
	assert.Equal(t, "42", got.ChatID)
	assert.Equal(t, history, got.Messages)
}

func TestSendSkipsMalformedAndEmptyRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {not json\n\n")
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, `data: {"message":{"content":""},"done":false}`+"\n\n")
		io.WriteString(w, sseRecord("ok"))
		// Final record without a trailing boundary.
		io.WriteString(w, `data: {"message":{"content":"!"}}`)
	}))
	defer srv.Close()

	var chunks []string
	full, err := New(srv.URL, "m").Send(context.Background(), nil, "1", func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "!"}, chunks)
	assert.Equal(t, "ok!", full)
}

func TestSendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "m").Send(context.Background(), nil, "1", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.NotErrorIs(t, err, ErrCancelled)
}

func TestSendBackendErrorRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseRecord("par"))
		io.WriteString(w, `data: {"error":"model not found"}`+"\n\n")
	}))
	defer srv.Close()

	full, err := New(srv.URL, "m").Send(context.Background(), nil, "1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
	assert.Equal(t, "par", full)
}

func TestSendCancelledMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseRecord("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	var chunks []string
	full, err := New(srv.URL, "m").Send(ctx, nil, "1", func(s string) {
		chunks = append(chunks, s)
		cancel()
	})

	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []string{"partial"}, chunks)
	assert.Equal(t, "partial", full)
}

func TestSendTimeoutIsNotCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(srv.URL, "m").Send(ctx, nil, "1", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSendConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "m").Send(context.Background(), nil, "1", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCancelled)
}

func TestChatRecordEndpoints(t *testing.T) {
	var renamed, deleted string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chats", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"100","title":"Derby Preview","created_at":"2025-01-02T03:04:05Z"},{"id":200,"title":"New Chat"}]`)
	})
	mux.HandleFunc("GET /api/chats/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.PathValue("id"))
		io.WriteString(w, `[{"role":"user","content":"Q"},{"role":"system","content":"hidden"},{"role":"assistant","content":"A"}]`)
	})
	mux.HandleFunc("PUT /api/chats/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Title string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		renamed = r.PathValue("id") + "=" + body.Title
		io.WriteString(w, `{"status":"updated"}`)
	})
	mux.HandleFunc("DELETE /api/chats/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("id")
		io.WriteString(w, `{"status":"deleted"}`)
	})
	mux.HandleFunc("POST /api/generate_title", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Message string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprintf(w, `{"title":"  Title For %s "}`, body.Message)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := New(srv.URL+"/", "m", WithMetrics(m))
	ctx := context.Background()

	chats, err := c.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "100", chats[0].ID)
	assert.Equal(t, "Derby Preview", chats[0].Title)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), chats[0].CreatedAt)
	assert.False(t, chats[0].Loaded)
	assert.Equal(t, "200", chats[1].ID)

	msgs, err := c.GetMessages(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, []models.Message{
		{Role: models.RoleUser, Content: "Q"},
		{Role: models.RoleAssistant, Content: "A"},
	}, msgs)

	require.NoError(t, c.RenameChat(ctx, "100", "Foo"))
	assert.Equal(t, "100=Foo", renamed)

	require.NoError(t, c.DeleteChat(ctx, "200"))
	assert.Equal(t, "200", deleted)

	title, err := c.GenerateTitle(ctx, "derby", []string{"ignored"})
	require.NoError(t, err)
	assert.Equal(t, "Title For derby", title)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues("list_chats", "success")))
}

func TestGenerateTitleEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"title":"   "}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "m").GenerateTitle(context.Background(), "x", nil)
	assert.Error(t, err)
}

func TestRecordEndpointStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(srv.URL, "m").DeleteChat(context.Background(), "1")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "deleting chat", statusErr.Op)
	assert.True(t, strings.Contains(err.Error(), "500"))
}
