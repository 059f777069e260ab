package workers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/havencare/haven/internal/providers/embedding"
	"github.com/havencare/haven/internal/redaction"
	"github.com/havencare/haven/internal/repositories/postgres"
	"github.com/havencare/haven/internal/utils"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type RedactionWorkerPool struct {
	Redis      *redis.Client
	Pipeline   *redaction.Pipeline
	NumWorkers int

	// Optional: when both are set, successful redactions get an embedding
	// of the redacted text for similarity search.
	Messages postgres.MessageRepository
	Embedder embedding.Provider

	Logger *logrus.Logger

	Stream         string
	Group          string
	ConsumerPrefix string
	MaxAttempts    int
}

func (p *RedactionWorkerPool) Start(ctx context.Context) error {
	if p.Redis == nil || p.Pipeline == nil {
		return errors.New("RedactionWorkerPool missing dependency: Redis/Pipeline must be set")
	}
	if p.Stream == "" {
		p.Stream = DefaultRedactionStream
	}
	if p.Group == "" {
		p.Group = DefaultRedactionGroup
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "r"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 4
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go p.runConsumer(ctx, consumer)
	}
	return nil
}

func (p *RedactionWorkerPool) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				p.handleMsg(ctx, msg)
				_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
			}
		}
	}
}

func (p *RedactionWorkerPool) handleMsg(ctx context.Context, msg redis.XMessage) {
	getStr := func(k string) string {
		v, ok := msg.Values[k]
		if !ok || v == nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	messageID := getStr("message_id")
	sessionID := getStr("session_id")
	if messageID == "" {
		return
	}

	log := p.Logger.WithFields(logrus.Fields{
		"redis_id":   msg.ID,
		"session_id": sessionID,
		"message_id": messageID,
	})

	eventsCh := "session:" + sessionID + ":events"

	var redacted string
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		redacted, err = p.Pipeline.Redact(ctx, messageID)
		if err == nil {
			break
		}
		if utils.IsCode(err, utils.CodeAlreadyInFlight) {
			// Another attempt owns this message; this job is redundant.
			log.Info("redaction already in flight, dropping job")
			return
		}
		if !retryable(err) || attempt == p.MaxAttempts {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Warn("redaction attempt failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff(attempt)):
		}
	}

	if err != nil {
		log.WithError(err).Error("redaction failed")
		payload, _ := json.Marshal(map[string]any{
			"type":       "redaction_failed",
			"message_id": messageID,
			"error":      utils.CodeOf(err),
		})
		_ = p.Redis.Publish(ctx, eventsCh, string(payload)).Err()
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"type":       "redaction_complete",
		"message_id": messageID,
	})
	_ = p.Redis.Publish(ctx, eventsCh, string(payload)).Err()

	p.embed(ctx, messageID, redacted, log)
}

func retryable(err error) bool {
	return utils.IsCode(err, utils.CodeTimeout) || utils.IsCode(err, utils.CodeUnavailable)
}

func backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond << (attempt - 1)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func (p *RedactionWorkerPool) embed(ctx context.Context, messageID, redacted string, log *logrus.Entry) {
	if p.Embedder == nil || p.Messages == nil || strings.TrimSpace(redacted) == "" {
		return
	}

	vec, err := p.Embedder.Embed(ctx, redacted)
	if err != nil {
		log.WithError(err).Warn("embed redacted content")
		return
	}
	if err := p.Messages.UpdateEmbedding(ctx, messageID, vec); err != nil {
		log.WithError(err).Warn("store redacted embedding")
	}
}
