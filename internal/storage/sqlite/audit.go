package sqlite

import (
	"context"
	"database/sql"
	"time"

	conduit "github.com/conduitproxy/conduit/internal"
)

// InsertAuditEvent appends an admin audit event.
func (s *Store) InsertAuditEvent(ctx context.Context, e *conduit.AuditEvent) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO audit_events (id, actor, action, resource, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Actor, e.Action, e.Resource, created.UTC().Format(time.RFC3339),
	)
	return err
}

// ListAuditEvents returns audit events, newest first.
func (s *Store) ListAuditEvents(ctx context.Context, offset, limit int) ([]*conduit.AuditEvent, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, actor, action, resource, created_at FROM audit_events
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conduit.AuditEvent
	for rows.Next() {
		var e conduit.AuditEvent
		var createdAt sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Resource, &createdAt); err != nil {
			return nil, err
		}
		if t := parseTime(createdAt); t != nil {
			e.CreatedAt = *t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
