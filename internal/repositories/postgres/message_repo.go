package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/utils"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository interface {
	// Insert appends a message and bumps the session message counter in the
	// same transaction. content_raw is write-once: nothing else updates it.
	Insert(ctx context.Context, m *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	// UpdateRedacted fully replaces content_redacted under a row lock. The
	// manual path stamps extras.edited/edited_at; the automated path leaves
	// them untouched. Both clear any recorded redaction failure. The first
	// successful write bumps the session redacted counter.
	UpdateRedacted(ctx context.Context, id, redacted string, manual bool) (*models.Message, error)

	// RecordRedactionFailure notes a failed attempt on extras without
	// touching content_redacted.
	RecordRedactionFailure(ctx context.Context, id, errMsg string, at time.Time) error

	UpdateEmbedding(ctx context.Context, id string, vec []float32) error
	SearchBySimilarity(ctx context.Context, vec []float32, limit int) ([]models.Message, error)
}

type messageRepo struct {
	db *gorm.DB
}

func NewMessageRepo(db *gorm.DB) MessageRepository {
	return &messageRepo{db: db}
}

func (r *messageRepo) Insert(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&models.Session{}).
			Where("id = ?", m.SessionID).
			UpdateColumn("message_count", gorm.Expr("message_count + 1")).Error
	})
}

func (r *messageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &m, err
}

func (r *messageRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []models.Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *messageRepo) UpdateRedacted(ctx context.Context, id, redacted string, manual bool) (*models.Message, error) {
	var out models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.Message
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrNotFound
		}
		if err != nil {
			return err
		}

		first := m.ContentRedacted == nil

		extras := m.ExtrasMap()
		delete(extras, models.ExtraRedactionError)
		delete(extras, models.ExtraRedactionFailedAt)
		if manual {
			extras[models.ExtraEdited] = true
			extras[models.ExtraEditedAt] = time.Now().UTC().Format(time.RFC3339Nano)
			extras[models.ExtraRedactionSource] = "manual"
		} else {
			extras[models.ExtraRedactionSource] = "auto"
		}
		if err := m.EncodeExtras(extras); err != nil {
			return err
		}

		if err := tx.Model(&models.Message{}).Where("id = ?", id).Updates(map[string]any{
			"content_redacted": redacted,
			"extras":           m.Extras,
		}).Error; err != nil {
			return err
		}

		if first {
			if err := tx.Model(&models.Session{}).
				Where("id = ?", m.SessionID).
				UpdateColumn("redacted_message_count", gorm.Expr("redacted_message_count + 1")).Error; err != nil {
				return err
			}
		}

		m.ContentRedacted = &redacted
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *messageRepo) RecordRedactionFailure(ctx context.Context, id, errMsg string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.Message
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrNotFound
		}
		if err != nil {
			return err
		}

		extras := m.ExtrasMap()
		extras[models.ExtraRedactionError] = errMsg
		extras[models.ExtraRedactionFailedAt] = at.UTC().Format(time.RFC3339Nano)
		if err := m.EncodeExtras(extras); err != nil {
			return err
		}
		return tx.Model(&models.Message{}).Where("id = ?", id).
			UpdateColumn("extras", m.Extras).Error
	})
}

func (r *messageRepo) UpdateEmbedding(ctx context.Context, id string, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	v := pgvector.NewVector(vec)
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", id).
		UpdateColumn("embedding", &v)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrNotFound
	}
	return nil
}

// SearchBySimilarity ranks redacted messages by cosine distance to vec. Only
// rows with a redacted rendition take part: search never touches raw text.
func (r *messageRepo) SearchBySimilarity(ctx context.Context, vec []float32, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []models.Message
	err := r.db.WithContext(ctx).
		Where("content_redacted IS NOT NULL AND embedding IS NOT NULL").
		Clauses(clause.OrderBy{
			Expression: clause.Expr{SQL: "embedding <=> ?", Vars: []interface{}{pgvector.NewVector(vec)}, WithoutParentheses: true},
		}).
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
