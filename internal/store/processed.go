package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MarkProcessed records a header Message-ID. It returns false when another
// caller already recorded it, so exactly one concurrent caller wins.
func (s *Store) MarkProcessed(ctx context.Context, headerMessageID string, at time.Time) (bool, error) {
	headerMessageID = strings.TrimSpace(headerMessageID)
	if headerMessageID == "" {
		return false, fmt.Errorf("mark processed: empty message id")
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO processed_messages (header_message_id, created_at)
        VALUES (?, ?)
        ON CONFLICT(header_message_id) DO NOTHING;`, headerMessageID, at.Unix())
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return rows == 1, nil
}

func (s *Store) IsProcessed(ctx context.Context, headerMessageID string) (bool, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM processed_messages WHERE header_message_id = ?;`,
		strings.TrimSpace(headerMessageID))
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return count > 0, nil
}

// UnmarkProcessed forgets a header Message-ID so a redelivery can claim it.
func (s *Store) UnmarkProcessed(ctx context.Context, headerMessageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE header_message_id = ?;`,
		strings.TrimSpace(headerMessageID))
	if err != nil {
		return fmt.Errorf("unmark processed: %w", err)
	}
	return nil
}
