package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
)

// CreatePrincipal inserts a new API key principal.
func (s *Store) CreatePrincipal(ctx context.Context, p *conduit.Principal) error {
	models, err := marshalJSON(p.AllowedModels)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO principals (id, key_hash, key_prefix, name, allowed_models,
		 budget_usd, spend_usd, rpm_limit, tpm_limit, active, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.KeyHash, p.KeyPrefix, p.Name, models,
		decimalPtrToStr(p.BudgetUSD), p.SpendUSD.String(),
		p.RPMLimit, p.TPMLimit, boolToInt(p.Active),
		timeToStr(p.ExpiresAt), p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

const principalCols = `id, key_hash, key_prefix, name, allowed_models,
	 budget_usd, spend_usd, rpm_limit, tpm_limit, active, expires_at,
	 last_used_at, created_at`

// GetPrincipal retrieves a principal by its ID.
func (s *Store) GetPrincipal(ctx context.Context, id string) (*conduit.Principal, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+principalCols+` FROM principals WHERE id = ?`, id)
	return scanPrincipal(row)
}

// GetPrincipalByHash retrieves a principal by the SHA-256 hash of its key.
func (s *Store) GetPrincipalByHash(ctx context.Context, hash string) (*conduit.Principal, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+principalCols+` FROM principals WHERE key_hash = ?`, hash)
	return scanPrincipal(row)
}

// ListPrincipals returns principals ordered by creation time, newest first.
func (s *Store) ListPrincipals(ctx context.Context, offset, limit int) ([]*conduit.Principal, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+principalCols+` FROM principals ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conduit.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePrincipal updates the mutable fields of an existing principal.
// Key hash, prefix, and accumulated spend are not touched here.
func (s *Store) UpdatePrincipal(ctx context.Context, p *conduit.Principal) error {
	models, err := marshalJSON(p.AllowedModels)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE principals SET name=?, allowed_models=?, budget_usd=?, rpm_limit=?,
		 tpm_limit=?, active=?, expires_at=? WHERE id=?`,
		p.Name, models, decimalPtrToStr(p.BudgetUSD), p.RPMLimit, p.TPMLimit,
		boolToInt(p.Active), timeToStr(p.ExpiresAt), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "principal")
}

// DeletePrincipal removes a principal.
func (s *Store) DeletePrincipal(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM principals WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "principal")
}

// AddSpend atomically increments the principal's accumulated spend.
// Spend is stored as decimal text, so the addition happens in Go inside a
// transaction; the single-writer pool serializes concurrent increments.
func (s *Store) AddSpend(ctx context.Context, id string, amount decimal.Decimal) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var spend sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT spend_usd FROM principals WHERE id=?`, id).Scan(&spend); err != nil {
		return notFoundErr(err)
	}
	cur, err := parseDecimal(spend)
	if err != nil {
		return fmt.Errorf("parse spend_usd: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE principals SET spend_usd=? WHERE id=?`,
		cur.Add(amount).String(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// TouchPrincipalUsed updates the last_used_at timestamp.
func (s *Store) TouchPrincipalUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE principals SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanPrincipal(s scanner) (*conduit.Principal, error) {
	var p conduit.Principal
	var modelsJSON, budget, spend sql.NullString
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var active int

	err := s.Scan(
		&p.ID, &p.KeyHash, &p.KeyPrefix, &p.Name, &modelsJSON,
		&budget, &spend, &p.RPMLimit, &p.TPMLimit, &active,
		&expiresAt, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Active = active != 0

	models, err := unmarshalStringSlice(modelsJSON)
	if err != nil {
		return nil, err
	}
	p.AllowedModels = models

	if budget.Valid {
		d, err := decimal.NewFromString(budget.String)
		if err != nil {
			return nil, fmt.Errorf("parse budget_usd: %w", err)
		}
		p.BudgetUSD = &d
	}
	if spend.Valid && spend.String != "" {
		d, err := decimal.NewFromString(spend.String)
		if err != nil {
			return nil, fmt.Errorf("parse spend_usd: %w", err)
		}
		p.SpendUSD = d
	}

	p.ExpiresAt = parseTime(expiresAt)
	p.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		p.CreatedAt = *t
	}
	return &p, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to conduit.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return conduit.ErrNotFound
	}
	return err
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	// Check for empty slice
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func decimalPtrToStr(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(ns sql.NullString) (decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(ns.String)
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, conduit.ErrNotFound)
	}
	return nil
}
