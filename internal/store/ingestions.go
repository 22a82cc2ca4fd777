package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ingestionRow struct {
	ID              string `db:"id"`
	HeaderMessageID string `db:"header_message_id"`
	SiteID          int64  `db:"site_id"`
	From            string `db:"from_email"`
	Subject         string `db:"subject"`
	Disposition     string `db:"disposition"`
	Reason          string `db:"reason"`
	MessageIDs      string `db:"message_ids"`
	Delivered       int    `db:"delivered"`
	Failed          int    `db:"failed"`
	CreatedAt       int64  `db:"created_at"`
}

func (r ingestionRow) ingestion() Ingestion {
	ing := Ingestion{
		ID:              r.ID,
		HeaderMessageID: r.HeaderMessageID,
		SiteID:          r.SiteID,
		From:            r.From,
		Subject:         r.Subject,
		Disposition:     r.Disposition,
		Reason:          r.Reason,
		Delivered:       r.Delivered,
		Failed:          r.Failed,
		CreatedAt:       time.Unix(r.CreatedAt, 0),
	}
	for _, part := range strings.Split(r.MessageIDs, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			ing.MessageIDs = append(ing.MessageIDs, id)
		}
	}
	return ing
}

func (s *Store) RecordIngestion(ctx context.Context, ing Ingestion) error {
	ids := make([]string, 0, len(ing.MessageIDs))
	for _, id := range ing.MessageIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	if ing.CreatedAt.IsZero() {
		ing.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO ingestions
        (id, header_message_id, site_id, from_email, subject, disposition, reason, message_ids, delivered, failed, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		ing.ID,
		ing.HeaderMessageID,
		ing.SiteID,
		ing.From,
		ing.Subject,
		ing.Disposition,
		ing.Reason,
		strings.Join(ids, ","),
		ing.Delivered,
		ing.Failed,
		ing.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion: %w", err)
	}
	return nil
}

// ListIngestions pages through the ingestion log. A zero siteID lists every site.
func (s *Store) ListIngestions(ctx context.Context, siteID int64, disposition, sort string, offset, limit int32) ([]Ingestion, int32, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	where := " WHERE 1 = 1"
	args := []any{}
	if siteID > 0 {
		where += " AND site_id = ?"
		args = append(args, siteID)
	}
	if disposition = strings.TrimSpace(disposition); disposition != "" {
		where += " AND disposition = ?"
		args = append(args, disposition)
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(1) FROM ingestions"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count ingestions: %w", err)
	}
	if total > int64(^uint32(0)>>1) {
		total = int64(^uint32(0) >> 1)
	}

	orderBy := " ORDER BY created_at DESC, id DESC"
	switch sort {
	case "oldest", "asc":
		orderBy = " ORDER BY created_at ASC, id ASC"
	}

	var rows []ingestionRow
	listArgs := append(append([]any{}, args...), limit, offset)
	err := s.db.SelectContext(ctx, &rows, `SELECT id, header_message_id, site_id, from_email, subject, disposition,
            reason, message_ids, delivered, failed, created_at
        FROM ingestions`+where+orderBy+" LIMIT ? OFFSET ?", listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list ingestions: %w", err)
	}
	ingestions := make([]Ingestion, 0, len(rows))
	for _, row := range rows {
		ingestions = append(ingestions, row.ingestion())
	}
	return ingestions, int32(total), nil
}

// PruneIngestions deletes log rows created before the cutoff and returns how many went.
func (s *Store) PruneIngestions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM ingestions WHERE created_at < ?;`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune ingestions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune ingestions: %w", err)
	}
	return rows, nil
}
