package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/storage"
)

// InsertRequestLogs appends request log rows in a single transaction.
// Called by the batching recorder worker.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []conduit.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO request_logs (id, request_id, principal_id, deployment_id, model,
		 provider, prompt_tokens, completion_tokens, cost_usd, latency_ms, status_code,
		 cached, error_message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range logs {
		l := &logs[i]
		created := l.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			l.ID, l.RequestID, nullStr(l.PrincipalID), nullStr(l.DeploymentID),
			l.Model, l.Provider, l.PromptTokens, l.CompletionTokens,
			l.CostUSD.String(), l.LatencyMs, l.StatusCode, boolToInt(l.Cached),
			nullStr(l.ErrorMessage), nullStr(string(l.Metadata)),
			created.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("insert request log: %w", err)
		}
	}
	return tx.Commit()
}

// ListRequestLogs returns log rows, newest first, optionally filtered by principal.
func (s *Store) ListRequestLogs(ctx context.Context, principalID string, offset, limit int) ([]*conduit.RequestLog, error) {
	query := `SELECT id, request_id, principal_id, deployment_id, model, provider,
	 prompt_tokens, completion_tokens, cost_usd, latency_ms, status_code, cached,
	 error_message, metadata, created_at FROM request_logs`
	args := []any{}
	if principalID != "" {
		query += ` WHERE principal_id = ?`
		args = append(args, principalID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conduit.RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SpendByPrincipal sums cost per principal over [since, until).
func (s *Store) SpendByPrincipal(ctx context.Context, since, until time.Time) (map[string]decimal.Decimal, error) {
	return s.sumCostBy(ctx, "principal_id", since, until)
}

// SpendByModel sums cost per model over [since, until).
func (s *Store) SpendByModel(ctx context.Context, since, until time.Time) (map[string]decimal.Decimal, error) {
	return s.sumCostBy(ctx, "model", since, until)
}

func (s *Store) sumCostBy(ctx context.Context, column string, since, until time.Time) (map[string]decimal.Decimal, error) {
	// column is one of two fixed identifiers, never user input.
	rows, err := s.read.QueryContext(ctx,
		`SELECT COALESCE(`+column+`, ''), cost_usd FROM request_logs
		 WHERE created_at >= ? AND created_at < ?`,
		since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var key string
		var cost sql.NullString
		if err := rows.Scan(&key, &cost); err != nil {
			return nil, err
		}
		d, err := parseDecimal(cost)
		if err != nil {
			return nil, err
		}
		out[key] = out[key].Add(d)
	}
	return out, rows.Err()
}

// UsageTotals returns request and token counts over [since, until).
func (s *Store) UsageTotals(ctx context.Context, since, until time.Time) (*storage.UsageTotals, error) {
	var t storage.UsageTotals
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(cached), 0),
		 COALESCE(SUM(prompt_tokens), 0),
		 COALESCE(SUM(completion_tokens), 0)
		 FROM request_logs WHERE created_at >= ? AND created_at < ?`,
		since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339),
	).Scan(&t.Requests, &t.CachedRequests, &t.PromptTokens, &t.CompletionTokens)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteRequestLogsBefore removes log rows older than cutoff.
func (s *Store) DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRequestLog(s scanner) (*conduit.RequestLog, error) {
	var l conduit.RequestLog
	var principalID, deploymentID, cost, errMsg, metadata, createdAt sql.NullString
	var cached int

	err := s.Scan(&l.ID, &l.RequestID, &principalID, &deploymentID, &l.Model,
		&l.Provider, &l.PromptTokens, &l.CompletionTokens, &cost, &l.LatencyMs,
		&l.StatusCode, &cached, &errMsg, &metadata, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	l.PrincipalID = principalID.String
	l.DeploymentID = deploymentID.String
	l.Cached = cached != 0
	l.ErrorMessage = errMsg.String
	if metadata.Valid {
		l.Metadata = []byte(metadata.String)
	}
	d, err := parseDecimal(cost)
	if err != nil {
		return nil, fmt.Errorf("parse cost_usd: %w", err)
	}
	l.CostUSD = d
	if t := parseTime(createdAt); t != nil {
		l.CreatedAt = *t
	}
	return &l, nil
}
