package sqlite

import (
	"context"
	"database/sql"
	"time"

	conduit "github.com/conduitproxy/conduit/internal"
)

const deploymentCols = `id, name, provider, model, base_url, credential_enc,
	 priority, weight, active, is_healthy, consecutive_failures, cooldown_until,
	 rpm_limit, tpm_limit, created_at, updated_at`

// CreateDeployment inserts a new deployment.
func (s *Store) CreateDeployment(ctx context.Context, d *conduit.Deployment) error {
	now := time.Now().UTC().Format(time.RFC3339)
	created := now
	if !d.CreatedAt.IsZero() {
		created = d.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO deployments (id, name, provider, model, base_url, credential_enc,
		 priority, weight, active, is_healthy, consecutive_failures, cooldown_until,
		 rpm_limit, tpm_limit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Provider, d.Model, d.BaseURL, d.CredentialEnc,
		d.Priority, d.Weight, boolToInt(d.Active), boolToInt(d.Healthy),
		d.ConsecutiveFailures, timeToStr(d.CooldownUntil),
		d.RPMLimit, d.TPMLimit, created, now,
	)
	return err
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(ctx context.Context, id string) (*conduit.Deployment, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+deploymentCols+` FROM deployments WHERE id = ?`, id)
	return scanDeployment(row)
}

// GetDeploymentByName retrieves a deployment by its unique name.
func (s *Store) GetDeploymentByName(ctx context.Context, name string) (*conduit.Deployment, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+deploymentCols+` FROM deployments WHERE name = ?`, name)
	return scanDeployment(row)
}

// ListDeployments returns all deployments.
func (s *Store) ListDeployments(ctx context.Context) ([]*conduit.Deployment, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+deploymentCols+` FROM deployments ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListDeploymentsForModel returns active deployments serving the given model.
func (s *Store) ListDeploymentsForModel(ctx context.Context, model string) ([]*conduit.Deployment, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+deploymentCols+` FROM deployments
		 WHERE model = ? AND active = 1 ORDER BY priority ASC, name ASC`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// UpdateDeployment updates the admin-owned fields of a deployment.
// Health fields are owned by the circuit breaker; see UpdateDeploymentHealth.
func (s *Store) UpdateDeployment(ctx context.Context, d *conduit.Deployment) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE deployments SET name=?, provider=?, model=?, base_url=?,
		 credential_enc=?, priority=?, weight=?, active=?, rpm_limit=?, tpm_limit=?,
		 updated_at=? WHERE id=?`,
		d.Name, d.Provider, d.Model, d.BaseURL, d.CredentialEnc,
		d.Priority, d.Weight, boolToInt(d.Active), d.RPMLimit, d.TPMLimit,
		time.Now().UTC().Format(time.RFC3339), d.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "deployment")
}

// DeleteDeployment removes a deployment.
func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM deployments WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "deployment")
}

// UpdateDeploymentHealth persists the breaker-owned health fields.
func (s *Store) UpdateDeploymentHealth(ctx context.Context, id string, healthy bool, consecutiveFailures int, cooldownUntil *time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE deployments SET is_healthy=?, consecutive_failures=?, cooldown_until=?,
		 updated_at=? WHERE id=?`,
		boolToInt(healthy), consecutiveFailures, timeToStr(cooldownUntil),
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "deployment")
}

func collectDeployments(rows *sql.Rows) ([]*conduit.Deployment, error) {
	var out []*conduit.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeployment(s scanner) (*conduit.Deployment, error) {
	var d conduit.Deployment
	var cooldownUntil, createdAt, updatedAt sql.NullString
	var active, healthy int

	err := s.Scan(
		&d.ID, &d.Name, &d.Provider, &d.Model, &d.BaseURL, &d.CredentialEnc,
		&d.Priority, &d.Weight, &active, &healthy, &d.ConsecutiveFailures,
		&cooldownUntil, &d.RPMLimit, &d.TPMLimit, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	d.Active = active != 0
	d.Healthy = healthy != 0
	d.CooldownUntil = parseTime(cooldownUntil)
	if t := parseTime(createdAt); t != nil {
		d.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		d.UpdatedAt = *t
	}
	return &d, nil
}
