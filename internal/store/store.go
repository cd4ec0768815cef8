// Package store keeps the session's conversations: the persisted listing, the
// current selection and the unsaved draft.
//
// Every mutation replaces the listing slice and the touched conversation values
// instead of editing them in place, so a Snapshot handed out earlier never changes.
package store

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sportsphere/sportchat/internal/models"
)

var ErrNotFound = errors.New("conversation not found")

// State is the durable part of the store.
type State struct {
	Conversations []models.Conversation `json:"conversations"`
	CurrentID     string                `json:"currentConversationId"`
}

// Persister saves the store state after every mutation.
type Persister interface {
	SaveState(State) error
}

// Snapshot is a consistent, read-only view of the store.
type Snapshot struct {
	// Conversations is in storage order. Use List for display order.
	Conversations []models.Conversation
	Draft         *models.Conversation
	CurrentID     string
}

// Current returns the draft if there is one, else the selected conversation.
func (s Snapshot) Current() (models.Conversation, bool) {
	if s.Draft != nil {
		return *s.Draft, true
	}
	if s.CurrentID == "" {
		return models.Conversation{}, false
	}
	i := indexOf(s.Conversations, s.CurrentID)
	if i < 0 {
		return models.Conversation{}, false
	}
	return s.Conversations[i], true
}

// List returns the listing for display: pinned first, then most recently updated.
// The returned slice is a copy; storage order is untouched.
func (s Snapshot) List() []models.Conversation {
	out := slices.Clone(s.Conversations)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

type Store struct {
	mu            sync.Mutex
	conversations []models.Conversation
	draft         *models.Conversation
	currentID     string

	// notifyMu orders deliveries so subscribers and the persister see snapshots in
	// mutation order.
	notifyMu  sync.Mutex
	subs      map[int]func(Snapshot)
	nextSub   int
	persister Persister

	newID  models.IDFunc
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

func WithIDFunc(f models.IDFunc) Option {
	return func(s *Store) { s.newID = f }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func New(opts ...Option) *Store {
	s := &Store{
		subs:   make(map[int]func(Snapshot)),
		newID:  models.NewTimestampID,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn to receive a snapshot after every mutation. fn runs on the
// mutating goroutine and must not mutate the store. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) Current() (models.Conversation, bool) {
	return s.Snapshot().Current()
}

func (s *Store) List() []models.Conversation {
	return s.Snapshot().List()
}

// Get finds a conversation by id in the listing or the draft slot.
func (s *Store) Get(id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft != nil && s.draft.ID == id {
		return *s.draft, true
	}
	if i := indexOf(s.conversations, id); i >= 0 {
		return s.conversations[i], true
	}
	return models.Conversation{}, false
}

// IsDraft reports whether id is the unsaved draft.
func (s *Store) IsDraft(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft != nil && s.draft.ID == id
}

// Titles returns the titles of all listed conversations except the one with id except.
func (s *Store) Titles(except string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	titles := make([]string, 0, len(s.conversations))
	for _, c := range s.conversations {
		if c.ID != except {
			titles = append(titles, c.Title)
		}
	}
	return titles
}

// Create starts a new draft and clears the selection. The listing is untouched.
func (s *Store) Create() models.Conversation {
	s.mu.Lock()
	draft := s.createLocked()
	s.publishLocked()
	return draft
}

// EnsureCurrent synthesizes a draft when nothing is current.
func (s *Store) EnsureCurrent() models.Conversation {
	s.mu.Lock()
	if cur, ok := s.snapshotLocked().Current(); ok {
		s.mu.Unlock()
		return cur
	}
	draft := s.createLocked()
	s.publishLocked()
	return draft
}

// Select makes a listed conversation current and discards the draft.
func (s *Store) Select(id string) error {
	s.mu.Lock()
	if indexOf(s.conversations, id) < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.currentID = id
	s.draft = nil
	s.publishLocked()
	return nil
}

// Update replaces a conversation's messages. The update that gives the draft its
// first messages promotes it: it is prepended to the listing, selected, and the draft
// slot is cleared, all in one published change.
func (s *Store) Update(id string, messages []models.Message) error {
	s.mu.Lock()
	messages = slices.Clone(messages)
	now := s.now()

	if s.draft != nil && s.draft.ID == id {
		conv := *s.draft
		conv.Messages = messages
		conv.UpdatedAt = now
		if len(s.draft.Messages) == 0 && len(messages) > 0 {
			s.conversations = prepend(s.conversations, conv)
			s.currentID = conv.ID
			s.draft = nil
			s.logger.Debug("promoted draft", zap.String("conversation_id", id))
		} else {
			s.draft = &conv
		}
		s.publishLocked()
		return nil
	}

	i := indexOf(s.conversations, id)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.replaceLocked(i, func(c *models.Conversation) {
		c.Messages = messages
		c.UpdatedAt = now
		c.Loaded = true
	})
	s.publishLocked()
	return nil
}

// SetMessages fills the message cache of a listed conversation without touching
// UpdatedAt.
func (s *Store) SetMessages(id string, messages []models.Message) error {
	return s.modify(id, func(c *models.Conversation) {
		c.Messages = slices.Clone(messages)
		c.Loaded = true
	})
}

// Rename sets the title of a listed conversation or the draft.
func (s *Store) Rename(id, title string) error {
	return s.modify(id, func(c *models.Conversation) { c.Title = title })
}

// TogglePin flips the pinned flag and returns the new value.
func (s *Store) TogglePin(id string) (bool, error) {
	var pinned bool
	err := s.modify(id, func(c *models.Conversation) {
		c.Pinned = !c.Pinned
		pinned = c.Pinned
	})
	return pinned, err
}

func (s *Store) SetPinned(id string, pinned bool) error {
	return s.modify(id, func(c *models.Conversation) { c.Pinned = pinned })
}

// Delete removes a conversation. Deleting the current conversation (or the draft)
// leaves a fresh draft in its place.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if s.draft != nil && s.draft.ID == id {
		s.createLocked()
		s.publishLocked()
		return nil
	}
	i := indexOf(s.conversations, id)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.conversations = slices.Delete(slices.Clone(s.conversations), i, i+1)
	if s.currentID == id {
		s.createLocked()
	}
	s.publishLocked()
	return nil
}

// Load replaces the listing with one fetched from the backend. Messages already
// cached locally, pin flags and the current conversation (if the backend does not
// know it yet) are kept.
func (s *Store) Load(listing []models.Conversation) {
	s.mu.Lock()
	next := make([]models.Conversation, 0, len(listing)+1)
	seen := make(map[string]bool, len(listing))
	for _, c := range listing {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if i := indexOf(s.conversations, c.ID); i >= 0 {
			old := s.conversations[i]
			c.Pinned = old.Pinned
			if old.Loaded {
				c.Messages = old.Messages
				c.Loaded = true
			}
			if old.UpdatedAt.After(c.UpdatedAt) {
				c.UpdatedAt = old.UpdatedAt
			}
		}
		next = append(next, c)
	}
	if s.currentID != "" && !seen[s.currentID] {
		if i := indexOf(s.conversations, s.currentID); i >= 0 {
			next = prepend(next, s.conversations[i])
		} else {
			s.currentID = ""
		}
	}
	s.conversations = next
	s.publishLocked()
}

// Restore replaces the whole state, typically from local persistence at startup.
// Restored conversations are considered fully loaded.
func (s *Store) Restore(state State) {
	s.mu.Lock()
	convs := make([]models.Conversation, 0, len(state.Conversations))
	for _, c := range state.Conversations {
		if indexOf(convs, c.ID) >= 0 {
			continue
		}
		c.Loaded = true
		convs = append(convs, c)
	}
	s.conversations = convs
	s.draft = nil
	s.currentID = ""
	if indexOf(convs, state.CurrentID) >= 0 {
		s.currentID = state.CurrentID
	}
	s.publishLocked()
}

func (s *Store) modify(id string, fn func(*models.Conversation)) error {
	s.mu.Lock()
	if s.draft != nil && s.draft.ID == id {
		conv := *s.draft
		fn(&conv)
		s.draft = &conv
		s.publishLocked()
		return nil
	}
	i := indexOf(s.conversations, id)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.replaceLocked(i, fn)
	s.publishLocked()
	return nil
}

func (s *Store) replaceLocked(i int, fn func(*models.Conversation)) {
	next := slices.Clone(s.conversations)
	conv := next[i]
	fn(&conv)
	next[i] = conv
	s.conversations = next
}

func (s *Store) createLocked() models.Conversation {
	now := s.now()
	id := s.newID()
	for indexOf(s.conversations, id) >= 0 {
		id = s.newID()
	}
	draft := models.Conversation{
		ID:        id,
		Title:     models.NewChatTitle,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Loaded:    true,
	}
	s.draft = &draft
	s.currentID = ""
	return draft
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Conversations: s.conversations, CurrentID: s.currentID}
	if s.draft != nil {
		d := *s.draft
		snap.Draft = &d
	}
	return snap
}

// publishLocked must be called with s.mu held; it releases it.
func (s *Store) publishLocked() {
	snap := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	if s.persister != nil {
		state := State{Conversations: snap.Conversations, CurrentID: snap.CurrentID}
		if err := s.persister.SaveState(state); err != nil {
			s.logger.Warn("persisting conversations", zap.Error(err))
		}
	}
	for _, fn := range s.subs {
		fn(snap)
	}
}

func indexOf(convs []models.Conversation, id string) int {
	return slices.IndexFunc(convs, func(c models.Conversation) bool { return c.ID == id })
}

func prepend(convs []models.Conversation, c models.Conversation) []models.Conversation {
	out := make([]models.Conversation, 0, len(convs)+1)
	out = append(out, c)
	return append(out, convs...)
}
