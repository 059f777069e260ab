package postgres

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/utils"
	"gorm.io/gorm"
)

// ListSessionsOptions drives the paged audit scan. Filters with empty values
// are ignored. Anchor pins the window so rows inserted after the first page
// was served cannot shift later pages; a zero Anchor means "now".
type ListSessionsOptions struct {
	Page    int
	Limit   int
	Anchor  time.Time
	Filters map[string]string
}

type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	End(ctx context.Context, id string, endedAt time.Time, durationSeconds int64) error
	List(ctx context.Context, opts ListSessionsOptions) (sessions []models.Session, total int64, anchor time.Time, err error)

	// Sideband projection writers. Each call persists exactly one state
	// transition atomically; no partial multi-column update is observable.
	AssignCallID(ctx context.Context, id, callID string) error
	MarkSidebandConnected(ctx context.Context, id string, at time.Time) error
	MarkSidebandDisconnected(ctx context.Context, id string, at time.Time) error
	MarkSidebandError(ctx context.Context, id string, at time.Time, msg string) error
}

type sessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *sessionRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &s, err
}

func (r *sessionRepo) End(ctx context.Context, id string, endedAt time.Time, durationSeconds int64) error {
	res := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND status = ?", id, models.SessionActive).
		Updates(map[string]any{
			"status":           models.SessionEnded,
			"ended_at":         endedAt.UTC(),
			"duration_seconds": durationSeconds,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either missing or already ended; let the caller distinguish.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return utils.E(utils.CodeConflict, "SessionRepo.End", "session already ended", nil)
	}
	return nil
}

// AssignCallID sets openai_call_id exactly once. Re-assigning the same value
// is a no-op (provisioning retries after a partial write); any other rewrite
// or cross-session reuse is a conflict.
func (r *sessionRepo) AssignCallID(ctx context.Context, id, callID string) error {
	const op = "SessionRepo.AssignCallID"

	res := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND openai_call_id IS NULL", id).
		Update("openai_call_id", callID)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return utils.E(utils.CodeConflict, op, "call id already assigned to another session", res.Error)
		}
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.OpenAICallID != nil && *existing.OpenAICallID == callID {
		return nil
	}
	return utils.E(utils.CodeConflict, op, "call id is immutable once set", nil)
}

func (r *sessionRepo) MarkSidebandConnected(ctx context.Context, id string, at time.Time) error {
	return r.sidebandUpdate(ctx, id, map[string]any{
		"sideband_connected":    true,
		"sideband_connected_at": at.UTC(),
		"sideband_error":        nil,
	})
}

func (r *sessionRepo) MarkSidebandDisconnected(ctx context.Context, id string, at time.Time) error {
	return r.sidebandUpdate(ctx, id, map[string]any{
		"sideband_connected":       false,
		"sideband_disconnected_at": at.UTC(),
	})
}

// MarkSidebandError records the failure text; the disconnect timestamp moves
// only if the transport had actually connected.
func (r *sessionRepo) MarkSidebandError(ctx context.Context, id string, at time.Time, msg string) error {
	return r.sidebandUpdate(ctx, id, map[string]any{
		"sideband_error":           msg,
		"sideband_disconnected_at": gorm.Expr("CASE WHEN sideband_connected THEN ?::timestamptz ELSE sideband_disconnected_at END", at.UTC()),
		"sideband_connected":       false,
	})
}

func (r *sessionRepo) sidebandUpdate(ctx context.Context, id string, set map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *sessionRepo) List(ctx context.Context, opts ListSessionsOptions) ([]models.Session, int64, time.Time, error) {
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	anchor := opts.Anchor
	if anchor.IsZero() {
		anchor = time.Now().UTC()
	}

	q := r.db.WithContext(ctx).Model(&models.Session{}).Where("created_at <= ?", anchor)
	q = applySessionFilters(q, opts.Filters)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, anchor, err
	}

	var rows []models.Session
	err := q.Order("created_at DESC, id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&rows).Error
	return rows, total, anchor, err
}

func applySessionFilters(q *gorm.DB, filters map[string]string) *gorm.DB {
	for key, val := range filters {
		if val == "" {
			continue
		}
		switch key {
		case "status":
			q = q.Where("status = ?", val)
		case "language":
			q = q.Where("language = ?", val)
		case "user_id":
			q = q.Where("user_id = ?", val)
		case "connected":
			if b, err := strconv.ParseBool(val); err == nil {
				q = q.Where("sideband_connected = ?", b)
			}
		case "has_error":
			if b, err := strconv.ParseBool(val); err == nil {
				if b {
					q = q.Where("sideband_error IS NOT NULL")
				} else {
					q = q.Where("sideband_error IS NULL")
				}
			}
		}
		// unknown keys are ignored rather than rejected
	}
	return q
}
