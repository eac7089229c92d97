package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/bookpipe/internal/model"
)

// RecordMiss increments the miss counter for msg.
func (s *SQLiteStore) RecordMiss(ctx context.Context, msg model.InboundMessage) (int, error) {
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, subject, sender, status, misses, first_seen, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			misses = misses + 1,
			updated_at = excluded.updated_at`,
		msg.ID, msg.Subject, msg.Sender, model.MessageSkipped, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("recording miss for message %s: %w", msg.ID, err)
	}

	var misses int
	if err := s.db.GetContext(ctx, &misses, "SELECT misses FROM messages WHERE id = ?", msg.ID); err != nil {
		return 0, fmt.Errorf("reading misses for message %s: %w", msg.ID, err)
	}
	return misses, nil
}

// SetMessageStatus records the final status of msg for this cycle.
func (s *SQLiteStore) SetMessageStatus(
	ctx context.Context, msg model.InboundMessage, status string,
) error {
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, subject, sender, status, first_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			sender = excluded.sender,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		msg.ID, msg.Subject, msg.Sender, status, now, now,
	)
	if err != nil {
		return fmt.Errorf("setting status of message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessage returns the ledger entry for id, or nil if there is none.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*MessageRow, error) {
	var row MessageRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return &row, nil
}
