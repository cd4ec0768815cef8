// Package chat drives conversation turns: it sends the user's message, folds the
// streamed reply into the store, names new conversations and exposes the session
// operations the interfaces call.
package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sportsphere/sportchat/internal/backend"
	"github.com/sportsphere/sportchat/internal/metrics"
	"github.com/sportsphere/sportchat/internal/models"
	"github.com/sportsphere/sportchat/internal/store"
)

// FailureMessage replaces the assistant placeholder when a turn fails.
const FailureMessage = "Sorry, I couldn't reach the server. Is Ollama running?"

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrBusy         = errors.New("a response is already in progress")
)

// Transport sends a conversation history and streams back the assistant's reply.
// onChunk receives text deltas in order and is never called after Send returns.
// A caller-cancelled ctx must yield backend.ErrCancelled.
type Transport interface {
	Send(ctx context.Context, history []models.Message, conversationID string, onChunk func(string)) (string, error)
}

// TurnState is the phase of the in-flight turn.
type TurnState int

const (
	Idle TurnState = iota
	Sending
	Streaming
	Settled
	Cancelled
	Failed
)

func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	case Settled:
		return "settled"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Turn reports how a submitted turn ended.
type Turn struct {
	ConversationID string
	State          TurnState // Settled, Cancelled or Failed
	Content        string    // assistant text received before the turn ended
	Err            error     // transport error when State is Failed
}

// Reconciler runs one turn at a time against a Transport and keeps the store's copy
// of the conversation in step with the stream.
type Reconciler struct {
	store     *store.Store
	transport Transport
	titles    *titler
	logger    *zap.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration

	hookMu   sync.Mutex
	hooks    map[int]func(TurnState)
	nextHook int

	mu     sync.Mutex
	state  TurnState
	seq    uint64
	live   uint64 // seq of the turn whose output is still wanted, 0 if none
	cancel context.CancelFunc
}

type ReconcilerOption func(*Reconciler)

func WithLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithTimeout bounds every turn. Zero means no bound.
func WithTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.timeout = d }
}

// WithStateHook registers fn to be called after every state transition.
func WithStateHook(fn func(TurnState)) ReconcilerOption {
	return func(r *Reconciler) {
		if fn != nil {
			r.Watch(fn)
		}
	}
}

func withTitler(t *titler) ReconcilerOption {
	return func(r *Reconciler) { r.titles = t }
}

func NewReconciler(s *store.Store, t Transport, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:     s,
		transport: t,
		logger:    zap.NewNop(),
		hooks:     make(map[int]func(TurnState)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Watch registers fn to be called after every state transition, on the goroutine
// running the turn. The returned func unregisters it.
func (r *Reconciler) Watch(fn func(TurnState)) func() {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	id := r.nextHook
	r.nextHook++
	r.hooks[id] = fn
	return func() {
		r.hookMu.Lock()
		defer r.hookMu.Unlock()
		delete(r.hooks, id)
	}
}

func (r *Reconciler) State() TurnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Busy reports whether a turn is in flight.
func (r *Reconciler) Busy() bool {
	return r.State() != Idle
}

// Cancel aborts the in-flight turn. Output that arrives afterwards is discarded and
// the partial reply already in the store is kept. It reports whether there was a
// turn to cancel.
func (r *Reconciler) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live == 0 || r.cancel == nil {
		return false
	}
	r.live = 0
	r.cancel()
	return true
}

// Submit sends text and files as a user message in the current conversation and
// blocks until the turn ends. Errors are returned only when the turn could not start;
// how a started turn ended is reported in Turn.
func (r *Reconciler) Submit(ctx context.Context, text string, files []Attachment) (Turn, error) {
	content, ok := ComposeContent(text, files)
	if !ok {
		return Turn{}, ErrEmptyMessage
	}
	return r.submit(ctx, content, nil)
}

// SubmitComposer sends the composer's content. The composer is cleared as soon as the
// turn is accepted, before any network activity. A busy or empty submission leaves it
// untouched.
func (r *Reconciler) SubmitComposer(ctx context.Context, c *Composer) (Turn, error) {
	content, ok := c.compose()
	if !ok {
		return Turn{}, ErrEmptyMessage
	}
	return r.submit(ctx, content, c.clear)
}

func (r *Reconciler) submit(ctx context.Context, content string, accepted func()) (Turn, error) {
	r.mu.Lock()
	if r.state != Idle {
		r.mu.Unlock()
		return Turn{}, ErrBusy
	}
	r.seq++
	seq := r.seq
	r.live = seq
	turnCtx, cancel := context.WithCancel(ctx)
	if r.timeout > 0 {
		turnCtx, cancel = withTimeout(turnCtx, cancel, r.timeout)
	}
	r.cancel = cancel
	r.state = Sending
	r.mu.Unlock()

	if accepted != nil {
		accepted()
	}
	r.notify(Sending)

	start := time.Now()
	r.metrics.TurnStarted()
	defer func() {
		cancel()
		r.metrics.TurnEnded()
		r.mu.Lock()
		r.state = Idle
		r.live = 0
		r.cancel = nil
		r.mu.Unlock()
		r.notify(Idle)
	}()

	conv := r.store.EnsureCurrent()
	user := models.Message{Role: models.RoleUser, Content: content}
	outbound := append(slices.Clone(conv.Messages), user)
	turn := Turn{ConversationID: conv.ID}

	if err := r.store.Update(conv.ID, withReply(outbound, "")); err != nil {
		return turn, err
	}
	// answered is closed once the transport has heard back from the backend.
	answered := make(chan struct{})
	var answerOnce sync.Once
	markAnswered := func() { answerOnce.Do(func() { close(answered) }) }
	if r.titles != nil {
		r.titles.maybeStart(conv.ID, answered)
	}

	var reply strings.Builder
	onChunk := func(delta string) {
		markAnswered()
		if turnCtx.Err() != nil || !r.isLive(seq) {
			return
		}
		r.metrics.RecordChunk()
		reply.WriteString(delta)
		r.transition(seq, Streaming)
		if err := r.store.Update(conv.ID, withReply(outbound, reply.String())); err != nil {
			r.logger.Debug("dropping chunk", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}

	_, err := r.transport.Send(turnCtx, outbound, conv.ID, onChunk)
	markAnswered()
	turn.Content = reply.String()

	switch {
	case !r.isLive(seq) || errors.Is(err, backend.ErrCancelled) || errors.Is(err, context.Canceled):
		turn.State = Cancelled
		r.logger.Info("turn cancelled", zap.String("conversation_id", conv.ID))
	case err != nil:
		turn.State = Failed
		turn.Err = err
		turn.Content = FailureMessage
		r.logger.Warn("turn failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		if err := r.store.Update(conv.ID, withReply(outbound, FailureMessage)); err != nil {
			r.logger.Debug("recording failure", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	default:
		turn.State = Settled
		// The stream may have ended between chunks; write the final text once more.
		if err := r.store.Update(conv.ID, withReply(outbound, turn.Content)); err != nil {
			r.logger.Debug("settling turn", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}

	r.transition(seq, turn.State)
	r.metrics.RecordTurn(outcome(turn.State), time.Since(start))
	return turn, nil
}

func (r *Reconciler) isLive(seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live == seq
}

// transition moves turn seq to state. Transitions of a turn that has been replaced
// are ignored; terminal states are recorded even after Cancel.
func (r *Reconciler) transition(seq uint64, state TurnState) {
	r.mu.Lock()
	if r.seq != seq || r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.mu.Unlock()
	r.notify(state)
}

func (r *Reconciler) notify(state TurnState) {
	r.hookMu.Lock()
	hooks := make([]func(TurnState), 0, len(r.hooks))
	for _, fn := range r.hooks {
		hooks = append(hooks, fn)
	}
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn(state)
	}
}

// withReply returns outbound followed by an assistant message holding text.
func withReply(outbound []models.Message, text string) []models.Message {
	msgs := make([]models.Message, 0, len(outbound)+1)
	msgs = append(msgs, outbound...)
	return append(msgs, models.Message{Role: models.RoleAssistant, Content: text})
}

func withTimeout(ctx context.Context, parentCancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}

func outcome(s TurnState) string {
	switch s {
	case Cancelled:
		return metrics.OutcomeCancelled
	case Failed:
		return metrics.OutcomeFailed
	}
	return metrics.OutcomeSettled
}
