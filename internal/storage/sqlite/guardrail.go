package sqlite

import (
	"context"
	"database/sql"
	"time"

	conduit "github.com/conduitproxy/conduit/internal"
)

const ruleCols = `id, name, type, stage, action, config, priority, active, created_at`

// CreateRule inserts a new guardrail rule.
func (s *Store) CreateRule(ctx context.Context, r *conduit.GuardrailRule) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO guardrail_rules (id, name, type, stage, action, config, priority, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Type, r.Stage, r.Action, nullStr(string(r.Config)),
		r.Priority, boolToInt(r.Active), r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetRule retrieves a guardrail rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*conduit.GuardrailRule, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+ruleCols+` FROM guardrail_rules WHERE id = ?`, id)
	return scanRule(row)
}

// ListRules returns all guardrail rules ordered by priority.
func (s *Store) ListRules(ctx context.Context) ([]*conduit.GuardrailRule, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM guardrail_rules ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListActiveRules returns active rules for the stage, including rules with
// stage "both", ordered by priority ascending.
func (s *Store) ListActiveRules(ctx context.Context, stage string) ([]*conduit.GuardrailRule, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM guardrail_rules
		 WHERE active = 1 AND (stage = ? OR stage = 'both')
		 ORDER BY priority ASC, name ASC`, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// UpdateRule updates an existing guardrail rule.
func (s *Store) UpdateRule(ctx context.Context, r *conduit.GuardrailRule) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE guardrail_rules SET name=?, type=?, stage=?, action=?, config=?,
		 priority=?, active=? WHERE id=?`,
		r.Name, r.Type, r.Stage, r.Action, nullStr(string(r.Config)),
		r.Priority, boolToInt(r.Active), r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "guardrail rule")
}

// DeleteRule removes a guardrail rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM guardrail_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "guardrail rule")
}

func collectRules(rows *sql.Rows) ([]*conduit.GuardrailRule, error) {
	var out []*conduit.GuardrailRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(s scanner) (*conduit.GuardrailRule, error) {
	var r conduit.GuardrailRule
	var config, createdAt sql.NullString
	var active int

	err := s.Scan(&r.ID, &r.Name, &r.Type, &r.Stage, &r.Action, &config,
		&r.Priority, &active, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.Active = active != 0
	if config.Valid {
		r.Config = []byte(config.String)
	}
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	return &r, nil
}
