// Package chatlog persists conversation turns for audit and history.
//
// Turns are append-only: rows are created once and never updated or deleted
// here. Two backends are available:
//   - ClickHouseWriter — durable columnar store, recommended for production.
//   - MemoryWriter     — in-process, for development and tests.
package chatlog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Roles recorded in the turn log.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one role-tagged message within a conversation.
// (ConversationID, Order) is unique; Order counts up from 0 per conversation.
type Turn struct {
	ConversationID uuid.UUID
	Order          int
	Role           string
	Text           string
	SubjectName    string
	Model          string
	KeyID          int64
	InsertedAt     time.Time
	Version        uint32
}

// Writer appends turns durably. Both operations commit before returning.
// From the relay's perspective appends are at-least-once: a failure is
// reported but never aborts an already-delivered client stream.
type Writer interface {
	// Append writes one turn and returns an opaque row id.
	Append(ctx context.Context, t Turn) (string, error)

	// AppendBatch writes turns in input order. Callers assign Order values
	// 0..n-1 matching the slice positions.
	AppendBatch(ctx context.Context, turns []Turn) error
}
