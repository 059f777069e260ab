package redaction

import (
	"context"
	"errors"
	"time"

	"github.com/havencare/haven/internal/logger"
	"github.com/havencare/haven/internal/models"
	"github.com/havencare/haven/internal/providers/redactor"
	"github.com/havencare/haven/internal/utils"
	"github.com/sirupsen/logrus"
)

const defaultRedactTimeout = 30 * time.Second

// MessageStore is the slice of the message repository the pipeline writes
// through. UpdateRedacted must be a full atomic replacement.
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*models.Message, error)
	UpdateRedacted(ctx context.Context, id, redacted string, manual bool) (*models.Message, error)
	RecordRedactionFailure(ctx context.Context, id, errMsg string, at time.Time) error
}

// ConfigSource supplies the redaction instructions. Fetched per attempt so
// the pipeline carries no ambient mutable state.
type ConfigSource interface {
	Snapshot(ctx context.Context) (models.ConfigSnapshot, error)
}

// Pipeline turns raw message text into its redacted rendition through the
// external redaction provider, one attempt per call. Retry policy belongs to
// the caller.
type Pipeline struct {
	store    MessageStore
	provider redactor.Provider
	config   ConfigSource
	markers  *Keyed
	timeout  time.Duration
	log      *logrus.Entry
}

func NewPipeline(store MessageStore, provider redactor.Provider, config ConfigSource, log *logrus.Logger) *Pipeline {
	timeout := defaultRedactTimeout
	return &Pipeline{
		store:    store,
		provider: provider,
		config:   config,
		// marker lifetime runs a second past the provider deadline so a
		// live attempt cannot lose its marker mid-flight
		markers: NewKeyed(timeout + time.Second),
		timeout: timeout,
		log:     logger.Component(log, "redaction"),
	}
}

// Redact runs one redaction attempt for the message. At most one attempt per
// message runs at a time; a concurrent call fails with ALREADY_IN_FLIGHT
// instead of queueing. On failure the previous redacted value stays intact
// and the failure is recorded on the message extras. Re-running a message
// that already has redacted content is allowed and may produce different,
// equally compliant output.
func (p *Pipeline) Redact(ctx context.Context, messageID string) (string, error) {
	const op = "redaction.Redact"

	if messageID == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "message id is required", nil)
	}
	if !p.markers.TryAcquire(messageID) {
		return "", utils.E(utils.CodeAlreadyInFlight, op, "a redaction for this message is already running", nil)
	}
	defer p.markers.Release(messageID)

	msg, err := p.store.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return "", utils.E(utils.CodeNotFound, op, "message not found", err)
		}
		return "", err
	}

	// Empty in, empty out: no provider call, no edited stamp.
	if len(msg.ContentRaw) == 0 {
		if _, err := p.store.UpdateRedacted(ctx, messageID, "", false); err != nil {
			return "", err
		}
		return "", nil
	}

	snap, err := p.config.Snapshot(ctx)
	if err != nil {
		return "", err
	}

	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	redacted, err := p.provider.Redact(rctx, snap.RedactionPrompt, msg.ContentRaw)
	if err != nil {
		p.recordFailure(messageID, err)
		return "", err
	}

	if _, err := p.store.UpdateRedacted(ctx, messageID, redacted, false); err != nil {
		return "", err
	}
	return redacted, nil
}

// Override replaces the redacted content with reviewer-supplied text through
// the same write path, stamping extras.edited and extras.edited_at. Empty
// text is a valid full replacement. While an automated attempt holds the
// message's marker the override fails with CONFLICT.
func (p *Pipeline) Override(ctx context.Context, messageID, text string) (*models.Message, error) {
	const op = "redaction.Override"

	if messageID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "message id is required", nil)
	}
	if !p.markers.TryAcquire(messageID) {
		return nil, utils.E(utils.CodeConflict, op, "a redaction for this message is in flight", nil)
	}
	defer p.markers.Release(messageID)

	msg, err := p.store.UpdateRedacted(ctx, messageID, text, true)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "message not found", err)
		}
		return nil, err
	}
	return msg, nil
}

// InFlight reports whether a redaction attempt currently holds the message.
func (p *Pipeline) InFlight(messageID string) bool {
	return p.markers.Held(messageID)
}

func (p *Pipeline) recordFailure(messageID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.RecordRedactionFailure(ctx, messageID, cause.Error(), time.Now().UTC()); err != nil {
		p.log.WithField("message_id", messageID).WithError(err).Error("record redaction failure")
	}
	p.log.WithField("message_id", messageID).WithError(cause).Warn("redaction attempt failed")
}
