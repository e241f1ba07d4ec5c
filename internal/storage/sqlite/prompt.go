package sqlite

import (
	"context"
	"database/sql"
	"time"

	conduit "github.com/conduitproxy/conduit/internal"
)

// CreatePrompt inserts a new prompt template.
func (s *Store) CreatePrompt(ctx context.Context, p *conduit.PromptTemplate) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO prompt_templates (id, name, template, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Template, p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetPromptByName retrieves a prompt template by its unique name.
func (s *Store) GetPromptByName(ctx context.Context, name string) (*conduit.PromptTemplate, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, template, created_at FROM prompt_templates WHERE name = ?`, name)
	return scanPrompt(row)
}

// ListPrompts returns all prompt templates.
func (s *Store) ListPrompts(ctx context.Context) ([]*conduit.PromptTemplate, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, template, created_at FROM prompt_templates ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conduit.PromptTemplate
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePrompt removes a prompt template.
func (s *Store) DeletePrompt(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM prompt_templates WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "prompt template")
}

func scanPrompt(s scanner) (*conduit.PromptTemplate, error) {
	var p conduit.PromptTemplate
	var createdAt sql.NullString
	if err := s.Scan(&p.ID, &p.Name, &p.Template, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	if t := parseTime(createdAt); t != nil {
		p.CreatedAt = *t
	}
	return &p, nil
}
