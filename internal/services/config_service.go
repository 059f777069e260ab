package services

import (
	"context"
	"strings"
	"time"

	"github.com/havencare/haven/internal/cache"
	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/repositories/postgres"
	"github.com/havencare/haven/internal/utils"
	"github.com/lib/pq"
)

const (
	configSnapshotKey = "config:snapshot"
	configSnapshotTTL = 30 * time.Second
)

type UpdateConfigInput struct {
	SystemPrompt       string   `json:"system_prompt"`
	RedactionPrompt    string   `json:"redaction_prompt"`
	CrisisContact      string   `json:"crisis_contact"`
	SupportedLanguages []string `json:"supported_languages"`
}

type ConfigService interface {
	Get(ctx context.Context) (*models.AppConfig, error)
	Update(ctx context.Context, in UpdateConfigInput) (*models.AppConfig, error)

	// Snapshot returns the current config as an immutable copy, served from
	// a short-lived cache. Components receive it as a parameter instead of
	// reading mutable state mid-operation.
	Snapshot(ctx context.Context) (models.ConfigSnapshot, error)
}

type configService struct {
	repo  postgres.ConfigRepository
	cache cache.Cache
}

func NewConfigService(repo postgres.ConfigRepository, c cache.Cache) ConfigService {
	return &configService{repo: repo, cache: c}
}

func (s *configService) Get(ctx context.Context) (*models.AppConfig, error) {
	const op = "ConfigService.Get"

	cfg, err := s.repo.Get(ctx)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to load config", err)
	}
	return cfg, nil
}

func (s *configService) Update(ctx context.Context, in UpdateConfigInput) (*models.AppConfig, error) {
	const op = "ConfigService.Update"

	langs := normalizeLanguages(in.SupportedLanguages)
	if len(langs) == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "at least one supported language is required", nil)
	}

	cfg := &models.AppConfig{
		SystemPrompt:       strings.TrimSpace(in.SystemPrompt),
		RedactionPrompt:    strings.TrimSpace(in.RedactionPrompt),
		CrisisContact:      strings.TrimSpace(in.CrisisContact),
		SupportedLanguages: langs,
	}
	if err := s.repo.Update(ctx, cfg); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to update config", err)
	}

	if s.cache != nil {
		_ = s.cache.Del(ctx, configSnapshotKey)
	}
	return cfg, nil
}

func (s *configService) Snapshot(ctx context.Context) (models.ConfigSnapshot, error) {
	const op = "ConfigService.Snapshot"

	snap, err := cache.Remember(ctx, s.cache, configSnapshotKey, configSnapshotTTL,
		func(ctx context.Context) (models.ConfigSnapshot, error) {
			cfg, err := s.repo.Get(ctx)
			if err != nil {
				return models.ConfigSnapshot{}, err
			}
			return cfg.Snapshot(), nil
		})
	if err != nil {
		return models.ConfigSnapshot{}, utils.E(utils.CodeInternal, op, "failed to load config", err)
	}
	return snap, nil
}

func normalizeLanguages(in []string) pq.StringArray {
	seen := make(map[string]bool, len(in))
	out := make(pq.StringArray, 0, len(in))
	for _, l := range in {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
