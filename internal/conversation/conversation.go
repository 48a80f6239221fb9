// Package conversation defines the data model for a diagnostic dialogue:
// queries, turns and append-only histories keyed by conversation ID.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyQuery indicates the query text was empty or whitespace.
	ErrEmptyQuery = errors.New("empty query")

	// ErrOrdinalOrder indicates an appended turn would break the strictly
	// increasing ordinal sequence.
	ErrOrdinalOrder = errors.New("turn ordinal out of order")
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Query is a validated user request bound to a conversation.
type Query struct {
	Text           string
	ConversationID uuid.UUID
	Locale         string
}

// NewQuery validates and normalizes the raw text.
func NewQuery(text string, conversationID uuid.UUID, locale string) (Query, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Query{}, ErrEmptyQuery
	}
	if conversationID == uuid.Nil {
		conversationID = uuid.New()
	}
	return Query{Text: text, ConversationID: conversationID, Locale: locale}, nil
}

// Turn is a single utterance in a conversation. Ordinals are strictly
// increasing within a history. Truncated marks an assistant turn whose
// generation was cut off mid-stream.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Ordinal   int       `json:"ordinal"`
	Truncated bool      `json:"truncated,omitempty"`
}

// History is the append-only turn sequence of one conversation. It is safe
// for concurrent use; distinct conversations never contend.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds a turn authored now and returns it. Ordinals continue from
// the last stored turn.
func (h *History) Append(role Role, text string) Turn {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := Turn{
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Ordinal:   h.nextOrdinalLocked(),
	}
	h.turns = append(h.turns, t)
	return t
}

// AppendTurn adds a fully specified turn, enforcing ordinal order.
func (h *History) AppendTurn(t Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t.Ordinal < h.nextOrdinalLocked() {
		return fmt.Errorf("%w: got %d, want >= %d", ErrOrdinalOrder, t.Ordinal, h.nextOrdinalLocked())
	}
	h.turns = append(h.turns, t)
	return nil
}

// Turns returns a copy of the stored turns in append order. Mutating the
// returned slice never affects the history; truncation for prompt budgeting
// happens on such working copies only.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of stored turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

func (h *History) nextOrdinalLocked() int {
	if len(h.turns) == 0 {
		return 1
	}
	return h.turns[len(h.turns)-1].Ordinal + 1
}
