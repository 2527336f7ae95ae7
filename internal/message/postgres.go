package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore keeps messages in the messages table created by Migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. Use OpenPostgres to create
// one from a connection string.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("message: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("message: ping postgres: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) Append(ctx context.Context, channelID, senderID, text string) (Message, error) {
	text, err := Normalize(text)
	if err != nil {
		return Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	// Serialise appends per channel so created_at stays strictly increasing.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, channelID); err != nil {
		return Message{}, fmt.Errorf("%w: lock channel: %v", ErrStoreUnavailable, err)
	}

	var (
		id        int64
		createdAt time.Time
	)
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (channel_id, sender_id, body, created_at, read_by)
		SELECT $1::TEXT, $2::TEXT, $3::TEXT,
		       GREATEST(date_trunc('microseconds', clock_timestamp()),
		                COALESCE(MAX(created_at) + interval '1 microsecond', '-infinity')),
		       ARRAY[$2::TEXT]
		FROM messages WHERE channel_id = $1
		RETURNING id, created_at`,
		channelID, senderID, text,
	).Scan(&id, &createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("%w: insert: %v", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}

	return Message{
		ID:        id,
		Text:      text,
		SenderID:  senderID,
		CreatedAt: createdAt.UTC(),
		ReadBy:    []string{senderID},
	}, nil
}

func (s *PostgresStore) ListDescending(ctx context.Context, channelID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, sender_id, created_at, read_by
		FROM messages
		WHERE channel_id = $1
		ORDER BY created_at DESC, id ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var readBy pq.StringArray
		if err := rows.Scan(&m.ID, &m.Text, &m.SenderID, &m.CreatedAt, &readBy); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		m.ReadBy = []string(readBy)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStoreUnavailable, err)
	}
	return msgs, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, channelID string, messageID int64, readerID string) error {
	return s.MarkReadBatch(ctx, channelID, []int64{messageID}, readerID)
}

func (s *PostgresStore) MarkReadBatch(ctx context.Context, channelID string, messageIDs []int64, readerID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	ids := uniqueIDs(messageIDs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM messages WHERE channel_id = $1 AND id = ANY($2) FOR UPDATE`,
		channelID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrStoreUnavailable, err)
	}
	found := 0
	for rows.Next() {
		found++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrStoreUnavailable, err)
	}
	if found != len(ids) {
		return ErrMessageNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET read_by = array_append(read_by, $3)
		WHERE channel_id = $1 AND id = ANY($2) AND NOT ($3 = ANY(read_by))`,
		channelID, pq.Array(ids), readerID)
	if err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
