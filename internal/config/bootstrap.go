package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/crypto"
	"github.com/conduitproxy/conduit/internal/storage"
)

// Bootstrap upserts the seed deployments and guardrail rules into the
// database. Records are matched by name: an existing record is updated in
// place so the config file stays authoritative for seeded rows, and records
// created through the admin API are left alone.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, cipher *crypto.Cipher, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for i := range cfg.Seed.Deployments {
		if err := seedDeployment(ctx, &cfg.Seed.Deployments[i], store, cipher, logger); err != nil {
			return err
		}
	}
	if len(cfg.Seed.Rules) > 0 {
		if err := seedRules(ctx, cfg.Seed.Rules, store, logger); err != nil {
			return err
		}
	}
	return nil
}

func seedDeployment(ctx context.Context, e *DeploymentEntry, store storage.Store, cipher *crypto.Cipher, logger *slog.Logger) error {
	var enc string
	if e.Credential != "" {
		var err error
		enc, err = cipher.Encrypt(e.Credential)
		if err != nil {
			return fmt.Errorf("seed deployment %s: encrypt credential: %w", e.Name, err)
		}
	}

	now := time.Now().UTC()
	existing, err := store.GetDeploymentByName(ctx, e.Name)
	switch {
	case err == nil:
		existing.Provider = e.Provider
		existing.Model = e.Model
		existing.BaseURL = e.BaseURL
		if enc != "" {
			existing.CredentialEnc = enc
		}
		existing.Priority = max(1, e.Priority)
		existing.Weight = max(1, e.Weight)
		existing.Active = e.IsActive()
		existing.RPMLimit = e.RPMLimit
		existing.TPMLimit = e.TPMLimit
		existing.UpdatedAt = now
		if err := store.UpdateDeployment(ctx, existing); err != nil {
			return fmt.Errorf("seed deployment %s: %w", e.Name, err)
		}
		logger.LogAttrs(ctx, slog.LevelInfo, "bootstrap.deployment_updated",
			slog.String("name", e.Name), slog.String("model", e.Model))
		return nil

	case errors.Is(err, conduit.ErrNotFound):
		d := &conduit.Deployment{
			ID:            uuid.Must(uuid.NewV7()).String(),
			Name:          e.Name,
			Provider:      e.Provider,
			Model:         e.Model,
			BaseURL:       e.BaseURL,
			CredentialEnc: enc,
			Priority:      max(1, e.Priority),
			Weight:        max(1, e.Weight),
			Active:        e.IsActive(),
			Healthy:       true,
			RPMLimit:      e.RPMLimit,
			TPMLimit:      e.TPMLimit,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := store.CreateDeployment(ctx, d); err != nil {
			return fmt.Errorf("seed deployment %s: %w", e.Name, err)
		}
		logger.LogAttrs(ctx, slog.LevelInfo, "bootstrap.deployment_created",
			slog.String("name", e.Name), slog.String("model", e.Model))
		return nil

	default:
		return fmt.Errorf("seed deployment %s: %w", e.Name, err)
	}
}

func seedRules(ctx context.Context, entries []RuleEntry, store storage.Store, logger *slog.Logger) error {
	existing, err := store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}
	byName := make(map[string]*conduit.GuardrailRule, len(existing))
	for _, r := range existing {
		byName[r.Name] = r
	}

	for _, e := range entries {
		var cfgJSON json.RawMessage
		if e.Config != nil {
			raw, err := json.Marshal(e.Config)
			if err != nil {
				return fmt.Errorf("seed rule %s: %w", e.Name, err)
			}
			cfgJSON = raw
		}
		stage := e.Stage
		if stage == "" {
			stage = conduit.StagePre
		}
		action := e.Action
		if action == "" {
			action = conduit.ActionBlock
		}

		if r, ok := byName[e.Name]; ok {
			r.Type = e.Type
			r.Stage = stage
			r.Action = action
			r.Config = cfgJSON
			r.Priority = e.Priority
			r.Active = e.IsActive()
			if err := store.UpdateRule(ctx, r); err != nil {
				return fmt.Errorf("seed rule %s: %w", e.Name, err)
			}
			logger.LogAttrs(ctx, slog.LevelInfo, "bootstrap.rule_updated",
				slog.String("name", e.Name))
			continue
		}

		r := &conduit.GuardrailRule{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Name:      e.Name,
			Type:      e.Type,
			Stage:     stage,
			Action:    action,
			Config:    cfgJSON,
			Priority:  e.Priority,
			Active:    e.IsActive(),
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateRule(ctx, r); err != nil {
			return fmt.Errorf("seed rule %s: %w", e.Name, err)
		}
		logger.LogAttrs(ctx, slog.LevelInfo, "bootstrap.rule_created",
			slog.String("name", e.Name))
	}
	return nil
}
