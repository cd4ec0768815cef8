package chat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sportsphere/sportchat/internal/models"
	"github.com/sportsphere/sportchat/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// transportFunc adapts a function to Transport.
type transportFunc func(ctx context.Context, history []models.Message, conversationID string, onChunk func(string)) (string, error)

func (f transportFunc) Send(ctx context.Context, history []models.Message, conversationID string, onChunk func(string)) (string, error) {
	return f(ctx, history, conversationID, onChunk)
}

// chunks returns a transport that streams the given deltas and succeeds.
func chunks(deltas ...string) Transport {
	return transportFunc(func(_ context.Context, _ []models.Message, _ string, onChunk func(string)) (string, error) {
		var full string
		for _, d := range deltas {
			full += d
			onChunk(d)
		}
		return full, nil
	})
}

type titlerFunc func(ctx context.Context, first string, existing []string) (string, error)

func (f titlerFunc) GenerateTitle(ctx context.Context, first string, existing []string) (string, error) {
	return f(ctx, first, existing)
}

type fakeRemote struct {
	mu       sync.Mutex
	listing  []models.Conversation
	messages map[string][]models.Message
	renames  []string // "id=title"
	deleted  []string
	fetches  int
	err      error
}

func (r *fakeRemote) ListChats(context.Context) ([]models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]models.Conversation(nil), r.listing...), nil
}

func (r *fakeRemote) GetMessages(_ context.Context, id string) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if r.err != nil {
		return nil, r.err
	}
	return r.messages[id], nil
}

func (r *fakeRemote) RenameChat(_ context.Context, id, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renames = append(r.renames, id+"="+title)
	return r.err
}

func (r *fakeRemote) DeleteChat(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return r.err
}

func (r *fakeRemote) Renames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.renames...)
}

type fakePins struct {
	mu   sync.Mutex
	pins map[string]time.Time
	err  error
}

func (p *fakePins) ListPins() (map[string]time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]time.Time, len(p.pins))
	for k, v := range p.pins {
		out[k] = v
	}
	return out, nil
}

func (p *fakePins) SetPinned(id string, pinned bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pins == nil {
		p.pins = make(map[string]time.Time)
	}
	if pinned {
		p.pins[id] = time.Now()
	} else {
		delete(p.pins, id)
	}
	return p.err
}

var errUnreachable = errors.New("dial tcp 127.0.0.1:8000: connect: connection refused")

func newTestStore() *store.Store {
	var n int
	var mu sync.Mutex
	return store.New(store.WithIDFunc(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "c" + strconv.Itoa(n)
	}))
}

func messages(pairs ...string) []models.Message {
	msgs := make([]models.Message, 0, len(pairs))
	for i, content := range pairs {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msgs = append(msgs, models.Message{Role: role, Content: content})
	}
	return msgs
}
