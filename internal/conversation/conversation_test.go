package conversation

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestNewQuery(t *testing.T) {
	t.Parallel()

	t.Run("trims whitespace", func(t *testing.T) {
		t.Parallel()

		q, err := NewQuery("  brakes squeal when cold  ", uuid.Nil, "en")
		if err != nil {
			t.Fatalf("NewQuery() error = %v", err)
		}
		if q.Text != "brakes squeal when cold" {
			t.Errorf("Text = %q, want trimmed", q.Text)
		}
		if q.ConversationID == uuid.Nil {
			t.Error("ConversationID should be generated when nil")
		}
	})

	t.Run("rejects empty", func(t *testing.T) {
		t.Parallel()

		_, err := NewQuery("   \n\t", uuid.New(), "")
		if !errors.Is(err, ErrEmptyQuery) {
			t.Fatalf("error = %v, want ErrEmptyQuery", err)
		}
	})

	t.Run("keeps explicit conversation id", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		q, err := NewQuery("engine stalls at idle", id, "en")
		if err != nil {
			t.Fatalf("NewQuery() error = %v", err)
		}
		if q.ConversationID != id {
			t.Errorf("ConversationID = %v, want %v", q.ConversationID, id)
		}
	})
}

func TestHistoryOrdinals(t *testing.T) {
	t.Parallel()

	h := NewHistory()
	first := h.Append(RoleUser, "the car pulls left when braking")
	second := h.Append(RoleAssistant, "check for uneven pad wear first")

	if first.Ordinal != 1 || second.Ordinal != 2 {
		t.Fatalf("ordinals = %d, %d, want 1, 2", first.Ordinal, second.Ordinal)
	}

	err := h.AppendTurn(Turn{Role: RoleUser, Text: "done", Ordinal: 2})
	if !errors.Is(err, ErrOrdinalOrder) {
		t.Fatalf("AppendTurn with stale ordinal: error = %v, want ErrOrdinalOrder", err)
	}

	if err := h.AppendTurn(Turn{Role: RoleUser, Text: "done", Ordinal: 5}); err != nil {
		t.Fatalf("AppendTurn with gap: error = %v", err)
	}
	next := h.Append(RoleAssistant, "good")
	if next.Ordinal != 6 {
		t.Errorf("ordinal after gap = %d, want 6", next.Ordinal)
	}
}

func TestHistoryTurnsReturnsCopy(t *testing.T) {
	t.Parallel()

	h := NewHistory()
	h.Append(RoleUser, "rough idle after fuel filter change")

	turns := h.Turns()
	turns[0].Text = "mutated"

	if got := h.Turns()[0].Text; got != "rough idle after fuel filter change" {
		t.Errorf("stored turn mutated via copy: %q", got)
	}
}

func TestHistoryConcurrentAppend(t *testing.T) {
	t.Parallel()

	h := NewHistory()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Append(RoleUser, "x")
		}()
	}
	wg.Wait()

	turns := h.Turns()
	if len(turns) != 50 {
		t.Fatalf("len = %d, want 50", len(turns))
	}
	for i, turn := range turns {
		if turn.Ordinal != i+1 {
			t.Fatalf("ordinal[%d] = %d, want %d", i, turn.Ordinal, i+1)
		}
	}
}
