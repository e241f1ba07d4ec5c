package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/storage"
)

// InsertCacheEntry persists a semantic cache row.
func (s *Store) InsertCacheEntry(ctx context.Context, e *conduit.CacheEntry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cache_entries (id, prompt_hash, model, prompt_text, embedding,
		 response, prompt_tokens, completion_tokens, hit_count, cost_saved_usd,
		 created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PromptHash, e.Model, e.PromptText, encodeEmbedding(e.Embedding),
		string(e.Response), e.PromptTokens, e.CompletionTokens, e.HitCount,
		e.CostSavedUSD.String(),
		e.CreatedAt.UTC().Format(time.RFC3339), e.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListCacheCandidates returns unexpired entries for the model with their
// embeddings, newest first. Cosine ranking happens in the caller; SQLite has
// no vector index, so the candidate set is bounded by limit.
func (s *Store) ListCacheCandidates(ctx context.Context, model string, now time.Time, limit int) ([]*conduit.CacheEntry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, prompt_hash, model, prompt_text, embedding, response,
		 prompt_tokens, completion_tokens, hit_count, cost_saved_usd, created_at, expires_at
		 FROM cache_entries WHERE model = ? AND expires_at > ?
		 ORDER BY created_at DESC LIMIT ?`,
		model, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*conduit.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordCacheHit increments hit_count and accumulates the saved cost.
func (s *Store) RecordCacheHit(ctx context.Context, id string, costSaved decimal.Decimal) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var saved sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT cost_saved_usd FROM cache_entries WHERE id=?`, id).Scan(&saved); err != nil {
		return notFoundErr(err)
	}
	cur, err := parseDecimal(saved)
	if err != nil {
		return fmt.Errorf("parse cost_saved_usd: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, cost_saved_usd = ? WHERE id=?`,
		cur.Add(costSaved).String(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearCache deletes entries for the model, or every entry when model is empty.
func (s *Store) ClearCache(ctx context.Context, model string) (int64, error) {
	var result sql.Result
	var err error
	if model == "" {
		result, err = s.write.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		result, err = s.write.ExecContext(ctx, `DELETE FROM cache_entries WHERE model=?`, model)
	}
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteExpiredCache removes entries past their expiry.
func (s *Store) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CacheStats reports aggregate counters over the cache table.
func (s *Store) CacheStats(ctx context.Context, now time.Time) (*storage.CacheStats, error) {
	var stats storage.CacheStats
	var saved sql.NullString
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
		 COALESCE(SUM(hit_count), 0)
		 FROM cache_entries`, now.UTC().Format(time.RFC3339),
	).Scan(&stats.TotalEntries, &stats.ActiveEntries, &stats.TotalHits)
	if err != nil {
		return nil, err
	}
	stats.ExpiredEntries = stats.TotalEntries - stats.ActiveEntries

	// Decimal text columns cannot be summed in SQL without losing precision.
	rows, err := s.read.QueryContext(ctx, `SELECT cost_saved_usd FROM cache_entries WHERE hit_count > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	total := decimal.Zero
	for rows.Next() {
		if err := rows.Scan(&saved); err != nil {
			return nil, err
		}
		d, err := parseDecimal(saved)
		if err != nil {
			return nil, err
		}
		total = total.Add(d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats.TotalCostSavedUSD = total
	return &stats, nil
}

func scanCacheEntry(s scanner) (*conduit.CacheEntry, error) {
	var e conduit.CacheEntry
	var embedding []byte
	var response string
	var saved sql.NullString
	var createdAt, expiresAt sql.NullString

	err := s.Scan(&e.ID, &e.PromptHash, &e.Model, &e.PromptText, &embedding,
		&response, &e.PromptTokens, &e.CompletionTokens, &e.HitCount, &saved,
		&createdAt, &expiresAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	e.Embedding = decodeEmbedding(embedding)
	e.Response = []byte(response)
	d, err := parseDecimal(saved)
	if err != nil {
		return nil, fmt.Errorf("parse cost_saved_usd: %w", err)
	}
	e.CostSavedUSD = d
	if t := parseTime(createdAt); t != nil {
		e.CreatedAt = *t
	}
	if t := parseTime(expiresAt); t != nil {
		e.ExpiresAt = *t
	}
	return &e, nil
}

// encodeEmbedding packs a float32 vector as little-endian bytes.
func encodeEmbedding(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// decodeEmbedding unpacks a little-endian byte blob into a float32 vector.
func decodeEmbedding(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
