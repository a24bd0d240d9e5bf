package chatlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryWriter keeps turns in memory. It enforces (conversation, order)
// uniqueness so tests catch ordering bugs the durable store would tolerate.
type MemoryWriter struct {
	mu    sync.Mutex
	turns []Turn
	seen  map[string]struct{}
}

// NewMemoryWriter creates an empty MemoryWriter.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{seen: make(map[string]struct{})}
}

// Append stores one turn and returns a generated row id.
func (w *MemoryWriter) Append(_ context.Context, t Turn) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.storeLocked(t); err != nil {
		return "", err
	}
	return uuid.New().String(), nil
}

// AppendBatch stores turns in input order.
func (w *MemoryWriter) AppendBatch(_ context.Context, turns []Turn) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, t := range turns {
		if err := w.storeLocked(t); err != nil {
			return err
		}
	}
	return nil
}

// Turns returns a copy of everything stored, in append order.
func (w *MemoryWriter) Turns() []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// Conversation returns the turns for one conversation, in append order.
func (w *MemoryWriter) Conversation(id uuid.UUID) []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Turn
	for _, t := range w.turns {
		if t.ConversationID == id {
			out = append(out, t)
		}
	}
	return out
}

func (w *MemoryWriter) storeLocked(t Turn) error {
	key := fmt.Sprintf("%s/%d", t.ConversationID, t.Order)
	if _, dup := w.seen[key]; dup {
		return fmt.Errorf("chatlog: duplicate turn %s", key)
	}
	w.seen[key] = struct{}{}

	if t.InsertedAt.IsZero() {
		t.InsertedAt = time.Now().UTC()
	}
	w.turns = append(w.turns, t)
	return nil
}
