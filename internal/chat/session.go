package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sportsphere/sportchat/internal/metrics"
	"github.com/sportsphere/sportchat/internal/models"
	"github.com/sportsphere/sportchat/internal/store"
)

var ErrEmptyTitle = errors.New("title is empty")

// Remote is the backend's record of conversations. Sessions without a Remote keep
// conversations locally only.
type Remote interface {
	ListChats(ctx context.Context) ([]models.Conversation, error)
	GetMessages(ctx context.Context, id string) ([]models.Message, error)
	RenameChat(ctx context.Context, id, title string) error
	DeleteChat(ctx context.Context, id string) error
}

// PinStore persists pin flags, which the backend does not know about.
type PinStore interface {
	ListPins() (map[string]time.Time, error)
	SetPinned(conversationID string, pinned bool) error
}

type Config struct {
	Store     *store.Store
	Transport Transport
	Titler    Titler
	Remote    Remote
	Pins      PinStore
	Clipboard Clipboard
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	RequestTimeout time.Duration
	TitleTimeout   time.Duration

	// OnTurnState is called after every turn state transition.
	OnTurnState func(TurnState)
}

// Session is the set of operations a front end performs on conversations. Mutations
// are applied to the store first and then sent to the backend; a backend failure is
// logged and the local change is kept until the next Refresh.
type Session struct {
	store      *store.Store
	reconciler *Reconciler
	titles     *titler
	remote     Remote
	pins       PinStore
	clipboard  Clipboard
	logger     *zap.Logger
}

func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	titles := newTitler(cfg.Store, cfg.Titler, cfg.Remote, logger.Named("title"), cfg.Metrics, cfg.TitleTimeout)
	return &Session{
		store: cfg.Store,
		reconciler: NewReconciler(cfg.Store, cfg.Transport,
			WithLogger(logger.Named("turn")),
			WithMetrics(cfg.Metrics),
			WithTimeout(cfg.RequestTimeout),
			WithStateHook(cfg.OnTurnState),
			withTitler(titles),
		),
		titles:    titles,
		remote:    cfg.Remote,
		pins:      cfg.Pins,
		clipboard: cfg.Clipboard,
		logger:    logger,
	}
}

func (s *Session) Store() *store.Store { return s.store }

func (s *Session) Reconciler() *Reconciler { return s.reconciler }

// Refresh reloads the listing from the backend and applies locally stored pins. The
// session always has a current conversation afterwards, even when loading fails.
func (s *Session) Refresh(ctx context.Context) error {
	defer s.store.EnsureCurrent()

	var (
		listing []models.Conversation
		pins    map[string]time.Time
	)
	g, gctx := errgroup.WithContext(ctx)
	if s.remote != nil {
		g.Go(func() error {
			var err error
			listing, err = s.remote.ListChats(gctx)
			if err != nil {
				return fmt.Errorf("loading conversations: %w", err)
			}
			return nil
		})
	}
	if s.pins != nil {
		g.Go(func() error {
			var err error
			pins, err = s.pins.ListPins()
			if err != nil {
				return fmt.Errorf("loading pins: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("refreshing conversations", zap.Error(err))
		return err
	}

	if s.remote != nil {
		s.store.Load(listing)
	}
	for id := range pins {
		if err := s.store.SetPinned(id, true); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// NewChat starts a new draft conversation.
func (s *Session) NewChat() models.Conversation {
	return s.store.Create()
}

// Open selects a conversation and fetches its messages unless they are cached.
func (s *Session) Open(ctx context.Context, id string) error {
	if err := s.store.Select(id); err != nil {
		return err
	}
	return s.ensureLoaded(ctx, id)
}

func (s *Session) ensureLoaded(ctx context.Context, id string) error {
	conv, ok := s.store.Get(id)
	if !ok {
		return store.ErrNotFound
	}
	if conv.Loaded || s.remote == nil {
		return nil
	}
	msgs, err := s.remote.GetMessages(ctx, id)
	if err != nil {
		s.logger.Warn("loading messages", zap.String("conversation_id", id), zap.Error(err))
		return fmt.Errorf("loading messages: %w", err)
	}
	return s.store.SetMessages(id, msgs)
}

func (s *Session) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if err := s.store.Rename(id, title); err != nil {
		return err
	}
	if s.remote == nil || s.store.IsDraft(id) {
		return nil
	}
	if err := s.remote.RenameChat(ctx, id, title); err != nil {
		s.logger.Warn("renaming conversation", zap.String("conversation_id", id), zap.Error(err))
	}
	return nil
}

// TogglePin flips the pin flag and returns the new value.
func (s *Session) TogglePin(id string) (bool, error) {
	pinned, err := s.store.TogglePin(id)
	if err != nil {
		return false, err
	}
	if s.pins != nil {
		if err := s.pins.SetPinned(id, pinned); err != nil {
			s.logger.Warn("saving pin", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return pinned, nil
}

// Delete removes a conversation. Deleting the current one leaves a fresh draft.
func (s *Session) Delete(ctx context.Context, id string) error {
	draft := s.store.IsDraft(id)
	if err := s.store.Delete(id); err != nil {
		return err
	}
	if draft {
		return nil
	}
	if s.pins != nil {
		if err := s.pins.SetPinned(id, false); err != nil {
			s.logger.Warn("clearing pin", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	if s.remote != nil {
		if err := s.remote.DeleteChat(ctx, id); err != nil {
			s.logger.Warn("deleting conversation", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return nil
}

// Share renders a conversation as a Markdown transcript, fetching its messages first
// if needed, and copies it to the clipboard when one is configured.
func (s *Session) Share(ctx context.Context, id string) (string, error) {
	if err := s.ensureLoaded(ctx, id); err != nil {
		return "", err
	}
	conv, ok := s.store.Get(id)
	if !ok {
		return "", store.ErrNotFound
	}
	text := FormatTranscript(conv.Title, conv.Messages)
	if s.clipboard != nil {
		if err := s.clipboard.WriteAll(text); err != nil {
			return text, fmt.Errorf("copying to clipboard: %w", err)
		}
	}
	return text, nil
}

// Submit sends a message in the current conversation and blocks until the turn ends.
func (s *Session) Submit(ctx context.Context, text string, files []Attachment) (Turn, error) {
	if err := s.loadCurrent(ctx); err != nil {
		return Turn{}, err
	}
	return s.reconciler.Submit(ctx, text, files)
}

// SubmitComposer sends the composer's content, clearing it once the turn is accepted.
func (s *Session) SubmitComposer(ctx context.Context, c *Composer) (Turn, error) {
	if err := s.loadCurrent(ctx); err != nil {
		return Turn{}, err
	}
	return s.reconciler.SubmitComposer(ctx, c)
}

// loadCurrent makes sure the history sent with a turn is complete.
func (s *Session) loadCurrent(ctx context.Context) error {
	conv := s.store.EnsureCurrent()
	return s.ensureLoaded(ctx, conv.ID)
}

func (s *Session) Cancel() bool { return s.reconciler.Cancel() }

func (s *Session) Busy() bool { return s.reconciler.Busy() }

// WaitTitles blocks until title tasks started so far have finished.
func (s *Session) WaitTitles() { s.titles.wait() }

// Close cancels an in-flight turn and outstanding title tasks and waits for the
// title tasks to return.
func (s *Session) Close() {
	s.reconciler.Cancel()
	s.titles.close()
}
