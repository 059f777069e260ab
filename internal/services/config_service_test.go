package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/utils"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfigRepo struct {
	mu   sync.Mutex
	cfg  *models.AppConfig
	gets int
}

func newFakeConfigRepo() *fakeConfigRepo {
	return &fakeConfigRepo{cfg: models.DefaultAppConfig()}
}

func (r *fakeConfigRepo) Get(context.Context) (*models.AppConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	cp := *r.cfg
	return &cp, nil
}

func (r *fakeConfigRepo) Update(_ context.Context, cfg *models.AppConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.ID = models.AppConfigID
	cfg.UpdatedAt = time.Now().UTC()
	cp := *cfg
	r.cfg = &cp
	return nil
}

// memCache is an in-process stand-in for the Redis-backed cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	dels    []string
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}}
}

func (c *memCache) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (c *memCache) SetJSON(_ context.Context, key string, val any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	c.entries[key] = b
	return nil
}

func (c *memCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
		c.dels = append(c.dels, k)
	}
	return nil
}

func TestConfigServiceUpdate(t *testing.T) {
	t.Run("normalizes languages and trims prompts", func(t *testing.T) {
		repo := newFakeConfigRepo()
		svc := NewConfigService(repo, nil)

		cfg, err := svc.Update(context.Background(), UpdateConfigInput{
			SystemPrompt:       "  be supportive  ",
			RedactionPrompt:    "strip identifiers",
			CrisisContact:      "988",
			SupportedLanguages: []string{" EN ", "es", "en", "", "ES"},
		})
		require.NoError(t, err)
		assert.Equal(t, "be supportive", cfg.SystemPrompt)
		assert.Equal(t, pq.StringArray{"en", "es"}, cfg.SupportedLanguages)
	})

	t.Run("requires at least one language", func(t *testing.T) {
		svc := NewConfigService(newFakeConfigRepo(), nil)

		_, err := svc.Update(context.Background(), UpdateConfigInput{
			SupportedLanguages: []string{"  ", ""},
		})
		assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))
	})

	t.Run("invalidates the cached snapshot", func(t *testing.T) {
		repo := newFakeConfigRepo()
		c := newMemCache()
		svc := NewConfigService(repo, c)

		_, err := svc.Snapshot(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, repo.gets)

		_, err = svc.Update(context.Background(), UpdateConfigInput{
			SystemPrompt:       "updated prompt",
			SupportedLanguages: []string{"en"},
		})
		require.NoError(t, err)
		assert.Contains(t, c.dels, "config:snapshot")

		snap, err := svc.Snapshot(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "updated prompt", snap.SystemPrompt)
	})
}

func TestConfigServiceSnapshot(t *testing.T) {
	t.Run("serves repeat reads from the cache", func(t *testing.T) {
		repo := newFakeConfigRepo()
		svc := NewConfigService(repo, newMemCache())

		first, err := svc.Snapshot(context.Background())
		require.NoError(t, err)
		second, err := svc.Snapshot(context.Background())
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, repo.gets, "second read must hit the cache")
	})

	t.Run("works without a cache", func(t *testing.T) {
		repo := newFakeConfigRepo()
		svc := NewConfigService(repo, nil)

		snap, err := svc.Snapshot(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.DefaultSystemPrompt, snap.SystemPrompt)
		assert.NotEmpty(t, snap.SupportedLanguages)

		_, err = svc.Snapshot(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, repo.gets, "every read goes to the repo when no cache is wired")
	})
}
