package chatlog

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const insertStmt = `INSERT INTO chat_turns
	(id, conversation_id, turn_order, role, text, subject_name, model, key_id, inserted_at, version)`

const schemaDDL = `CREATE TABLE IF NOT EXISTS chat_turns (
	id              UUID,
	conversation_id UUID,
	turn_order      UInt32,
	role            LowCardinality(String),
	text            String,
	subject_name    String,
	model           String,
	key_id          Int64,
	inserted_at     DateTime,
	version         UInt32
) ENGINE = MergeTree()
ORDER BY (conversation_id, turn_order)`

// ClickHouseConfig holds connection settings for the turn log.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseWriter appends turns to a ClickHouse table over the native
// protocol. The MergeTree ordering key (conversation_id, turn_order) makes
// retried appends of the same turn cheap to deduplicate downstream.
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter connects, verifies with a ping, and ensures the
// chat_turns table exists.
func NewClickHouseWriter(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("chatlog: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("chatlog: ping: %w", err)
	}

	if err := conn.Exec(ctx, schemaDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("chatlog: ensure schema: %w", err)
	}

	return &ClickHouseWriter{conn: conn}, nil
}

// Append writes one turn and returns its generated row id.
func (w *ClickHouseWriter) Append(ctx context.Context, t Turn) (string, error) {
	rowID := uuid.New()
	if err := w.send(ctx, []uuid.UUID{rowID}, []Turn{t}); err != nil {
		return "", err
	}
	return rowID.String(), nil
}

// AppendBatch writes turns in input order within a single insert.
func (w *ClickHouseWriter) AppendBatch(ctx context.Context, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(turns))
	for i := range ids {
		ids[i] = uuid.New()
	}
	return w.send(ctx, ids, turns)
}

func (w *ClickHouseWriter) send(ctx context.Context, ids []uuid.UUID, turns []Turn) error {
	batch, err := w.conn.PrepareBatch(ctx, insertStmt)
	if err != nil {
		return fmt.Errorf("chatlog: prepare batch: %w", err)
	}

	for i, t := range turns {
		insertedAt := t.InsertedAt
		if insertedAt.IsZero() {
			insertedAt = time.Now().UTC()
		}
		if err := batch.Append(
			ids[i],
			t.ConversationID,
			uint32(t.Order),
			t.Role,
			t.Text,
			t.SubjectName,
			t.Model,
			t.KeyID,
			insertedAt,
			t.Version,
		); err != nil {
			return fmt.Errorf("chatlog: append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("chatlog: send batch: %w", err)
	}
	return nil
}

// Close releases the ClickHouse connection pool.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
