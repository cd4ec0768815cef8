package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sportsphere/sportchat/internal/store"
)

const (
	keyConversations = "conversations"
	keyCurrent       = "current_conversation"
)

type Queries struct {
	db *sql.DB
}

func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// Key-value state

// Get returns the value stored under key and whether it exists.
func (q *Queries) Get(key string) (string, bool, error) {
	var value string
	err := q.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting %s: %w", key, err)
	}
	return value, true, nil
}

// SaveState stores the conversation listing and the current id in one transaction.
// It satisfies store.Persister.
func (q *Queries) SaveState(state store.State) error {
	convs, err := json.Marshal(state.Conversations)
	if err != nil {
		return fmt.Errorf("marshaling conversations: %w", err)
	}
	current, err := json.Marshal(state.CurrentID)
	if err != nil {
		return fmt.Errorf("marshaling current conversation: %w", err)
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for key, value := range map[string][]byte{keyConversations: convs, keyCurrent: current} {
		if _, err := tx.Exec(
			`INSERT INTO kv (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
			key, string(value),
		); err != nil {
			return fmt.Errorf("saving %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// LoadState returns the saved state; an empty state if nothing was saved yet.
func (q *Queries) LoadState() (store.State, error) {
	var state store.State

	convs, ok, err := q.Get(keyConversations)
	if err != nil {
		return state, err
	}
	if ok {
		if err := json.Unmarshal([]byte(convs), &state.Conversations); err != nil {
			return state, fmt.Errorf("decoding conversations: %w", err)
		}
	}

	current, ok, err := q.Get(keyCurrent)
	if err != nil {
		return state, err
	}
	if ok {
		if err := json.Unmarshal([]byte(current), &state.CurrentID); err != nil {
			return state, fmt.Errorf("decoding current conversation: %w", err)
		}
	}
	return state, nil
}

// Pins

func (q *Queries) ListPins() (map[string]time.Time, error) {
	rows, err := q.db.Query(`SELECT conversation_id, pinned_at FROM pins`)
	if err != nil {
		return nil, fmt.Errorf("listing pins: %w", err)
	}
	defer rows.Close()

	pins := make(map[string]time.Time)
	for rows.Next() {
		var id, pinnedAt string
		if err := rows.Scan(&id, &pinnedAt); err != nil {
			return nil, fmt.Errorf("scanning pin: %w", err)
		}
		pins[id], _ = time.Parse(time.DateTime, pinnedAt)
	}
	return pins, rows.Err()
}

func (q *Queries) SetPinned(conversationID string, pinned bool) error {
	var err error
	if pinned {
		_, err = q.db.Exec(`INSERT OR IGNORE INTO pins (conversation_id) VALUES (?)`, conversationID)
	} else {
		_, err = q.db.Exec(`DELETE FROM pins WHERE conversation_id = ?`, conversationID)
	}
	if err != nil {
		return fmt.Errorf("setting pin: %w", err)
	}
	return nil
}
