package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/havencare/haven/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConfigRepository interface {
	// Get returns the single config row, seeding defaults on first read.
	Get(ctx context.Context) (*models.AppConfig, error)
	Update(ctx context.Context, cfg *models.AppConfig) error
}

type configRepo struct {
	db *gorm.DB
}

func NewConfigRepo(db *gorm.DB) ConfigRepository {
	return &configRepo{db: db}
}

func (r *configRepo) Get(ctx context.Context) (*models.AppConfig, error) {
	var cfg models.AppConfig
	err := r.db.WithContext(ctx).Where("id = ?", models.AppConfigID).Take(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seeded := models.DefaultAppConfig()
		// DoNothing keeps a concurrent seeder from erroring; re-read wins.
		if err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(seeded).Error; err != nil {
			return nil, err
		}
		err = r.db.WithContext(ctx).Where("id = ?", models.AppConfigID).Take(&cfg).Error
		return &cfg, err
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *configRepo) Update(ctx context.Context, cfg *models.AppConfig) error {
	cfg.ID = models.AppConfigID
	cfg.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(cfg).Error
}
