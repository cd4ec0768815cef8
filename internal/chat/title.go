package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sportsphere/sportchat/internal/metrics"
	"github.com/sportsphere/sportchat/internal/store"
	"github.com/sportsphere/sportchat/internal/title"
)

// Titler generates a short title for a conversation from its first message.
type Titler interface {
	GenerateTitle(ctx context.Context, firstMessage string, existing []string) (string, error)
}

// titler names new conversations. A fallback title is applied synchronously when the
// first message is sent; the generated title replaces it later unless the user has
// renamed the conversation in the meantime.
type titler struct {
	store   *store.Store
	gen     Titler // nil: keep the fallback
	remote  Remote // nil: titles are local only
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started sync.Map // conversation id -> struct{}
}

func newTitler(s *store.Store, gen Titler, remote Remote, logger *zap.Logger, m *metrics.Metrics, timeout time.Duration) *titler {
	ctx, stop := context.WithCancel(context.Background())
	return &titler{
		store:   s,
		gen:     gen,
		remote:  remote,
		logger:  logger,
		metrics: m,
		timeout: timeout,
		ctx:     ctx,
		stop:    stop,
	}
}

// maybeStart names conversation id if it is new and untitled. It reports whether a
// title task was started. The task outlives the turn that triggered it.
//
// The fallback is applied locally at once. Backend writes wait for answered to be
// closed: the backend creates the chat record when it receives the message, and
// ignores renames of chats it does not know yet.
func (t *titler) maybeStart(id string, answered <-chan struct{}) bool {
	conv, ok := t.store.Get(id)
	if !ok || len(conv.Messages) > 2 || !conv.Untitled() {
		return false
	}
	first, ok := conv.FirstUserMessage()
	if !ok {
		return false
	}
	if _, loaded := t.started.LoadOrStore(id, struct{}{}); loaded {
		return false
	}

	fallback := title.Fallback(first)
	if err := t.store.Rename(id, fallback); err != nil {
		return false
	}

	existing := title.Existing(t.store.Titles(id))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(id, first, fallback, existing, answered)
	}()
	return true
}

func (t *titler) run(id, first, fallback string, existing []string, answered <-chan struct{}) {
	log := t.logger.With(zap.String("conversation_id", id))
	if t.remote != nil {
		select {
		case <-answered:
		case <-t.ctx.Done():
			t.metrics.RecordTitle("fallback")
			return
		}
	}

	ctx := t.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	if t.remote != nil {
		if err := t.remote.RenameChat(ctx, id, fallback); err != nil {
			log.Warn("saving fallback title", zap.Error(err))
			t.metrics.RecordTitle("fallback")
			return
		}
	}
	if t.gen == nil {
		t.metrics.RecordTitle("fallback")
		return
	}

	raw, err := t.gen.GenerateTitle(ctx, first, existing)
	if err != nil {
		log.Warn("generating title", zap.Error(err))
		t.metrics.RecordTitle("fallback")
		return
	}
	generated := title.Clean(raw, first)

	// A rename by the user while we were waiting wins.
	if conv, ok := t.store.Get(id); !ok || conv.Title != fallback {
		t.metrics.RecordTitle("fallback")
		return
	}
	if t.remote != nil {
		if err := t.remote.RenameChat(ctx, id, generated); err != nil {
			log.Warn("saving generated title", zap.Error(err))
			t.metrics.RecordTitle("fallback")
			return
		}
	}
	if err := t.store.Rename(id, generated); err != nil {
		log.Debug("applying generated title", zap.Error(err))
	}
	log.Debug("generated title", zap.String("title", generated))
	t.metrics.RecordTitle("generated")
}

// close cancels outstanding title tasks and waits for them to finish.
func (t *titler) close() {
	t.stop()
	t.wg.Wait()
}

// wait blocks until outstanding title tasks finish.
func (t *titler) wait() {
	t.wg.Wait()
}
