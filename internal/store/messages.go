package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `id, site_id, person_id, code, subject, body, html_body, parent_id, group_id, to_person_id, created_at, updated_at`

// InsertMessage stores msg and its attachments in one transaction and fills in the new ids.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	if !msg.Destination.Valid() {
		return fmt.Errorf("insert message: missing destination")
	}
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `INSERT INTO messages
        (site_id, person_id, code, subject, body, html_body, parent_id, group_id, to_person_id, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		msg.SiteID,
		msg.PersonID,
		msg.Code,
		msg.Subject,
		msg.Body,
		msg.HTMLBody,
		nullID(msg.ParentID),
		nullID(msg.Destination.GroupID()),
		nullID(msg.Destination.PersonID()),
		msg.CreatedAt.Unix(),
		msg.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if msg.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for i := range msg.Attachments {
		attachment := &msg.Attachments[i]
		attachment.MessageID = msg.ID
		if attachment.Size == 0 {
			attachment.Size = int64(len(attachment.Data))
		}
		result, err := tx.ExecContext(ctx, `INSERT INTO attachments (message_id, name, content_type, data, size)
            VALUES (?, ?, ?, ?, ?);`,
			attachment.MessageID,
			attachment.Name,
			attachment.ContentType,
			attachment.Data,
			attachment.Size,
		)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		if attachment.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func (s *Store) MessageByID(ctx context.Context, id int64) (Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = ?;`, id)
	if err != nil {
		return Message{}, notFound(err, "get message")
	}
	return row.message(), nil
}

// LatestTopLevelBySubject returns the newest thread starter in the group with exactly this subject.
func (s *Store) LatestTopLevelBySubject(ctx context.Context, groupID int64, subject string) (Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages
        WHERE group_id = ? AND parent_id IS NULL AND subject = ?
        ORDER BY id DESC LIMIT 1;`, groupID, subject)
	if err != nil {
		return Message{}, notFound(err, "latest message by subject")
	}
	return row.message(), nil
}

// HasRecentDuplicate reports whether the same sender already stored an identical
// message for the same target since the given time.
func (s *Store) HasRecentDuplicate(ctx context.Context, msg Message, since time.Time) (bool, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM messages
        WHERE person_id = ?
            AND subject = ?
            AND body = ?
            AND group_id IS ?
            AND to_person_id IS ?
            AND created_at >= ?
            AND id <> ?;`,
		msg.PersonID,
		msg.Subject,
		msg.Body,
		nullID(msg.Destination.GroupID()),
		nullID(msg.Destination.PersonID()),
		since.Unix(),
		msg.ID,
	)
	if err != nil {
		return false, fmt.Errorf("check duplicate message: %w", err)
	}
	return count > 0, nil
}

// Top follows parent links up to the thread starter.
func (s *Store) Top(ctx context.Context, msg Message) (Message, error) {
	current := msg
	for depth := 0; !current.IsTopLevel(); depth++ {
		if depth >= MaxThreadDepth {
			return Message{}, ErrThreadTooDeep
		}
		parent, err := s.MessageByID(ctx, current.ParentID)
		if err != nil {
			return Message{}, fmt.Errorf("walk thread from %d: %w", msg.ID, err)
		}
		current = parent
	}
	return current, nil
}

func (s *Store) Attachments(ctx context.Context, messageID int64) ([]Attachment, error) {
	var attachments []Attachment
	err := s.db.SelectContext(ctx, &attachments, `SELECT id, message_id, name, content_type, data, size
        FROM attachments WHERE message_id = ? ORDER BY id;`, messageID)
	if err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	return attachments, nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

// GroupMessages lists a group's messages oldest first.
func (s *Store) GroupMessages(ctx context.Context, groupID int64) ([]Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages WHERE group_id = ? ORDER BY id;`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group messages: %w", err)
	}
	messages := make([]Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.message())
	}
	return messages, nil
}
