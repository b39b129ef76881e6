// Package dispatch runs scheduled bulk sends: due jobs are claimed with a
// conditional write, walked recipient by recipient, and closed out with
// partial-failure counts.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/alert"
	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/db"
	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/internal/normalize"
)

// Store is the persistence surface the engine needs.
type Store interface {
	DueDispatches(ctx context.Context, now time.Time, limit int) ([]*db.ScheduledDispatch, error)
	ClaimDispatch(ctx context.Context, id uuid.UUID) (bool, error)
	FinishDispatch(ctx context.Context, id uuid.UUID, status string, sent, failed int, lastError *string) error
}

// Registry resolves the channel adapter a job sends through.
type Registry interface {
	ByID(id uuid.UUID) (channel.Channel, bool)
}

// Recorder persists the outbound message row for each delivered recipient
// so provider delivery and read callbacks have something to advance.
type Recorder interface {
	RecordOutbound(ctx context.Context, out normalize.Outbound) (*db.Message, error)
}

// EventSink receives terminal job announcements.
type EventSink interface {
	DispatchFinished(ctx context.Context, d *db.ScheduledDispatch)
}

// Config tunes the engine.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	SendDelay      time.Duration // fixed pause between recipients
	PassCeiling    time.Duration // wall-clock budget for one pass
	AlertThreshold int           // failed recipients per batch that trigger a summary
}

// Engine is the scheduled dispatch worker.
type Engine struct {
	store    Store
	registry Registry
	recorder Recorder
	notifier alert.Notifier
	events   EventSink
	config   Config
	logger   *zap.Logger
}

// New creates an engine with defaults filled in.
func New(store Store, registry Registry, recorder Recorder, notifier alert.Notifier, events EventSink, cfg Config, logger *zap.Logger) *Engine {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.SendDelay == 0 {
		cfg.SendDelay = 500 * time.Millisecond
	}
	if cfg.PassCeiling == 0 {
		cfg.PassCeiling = 4 * time.Minute
	}
	if cfg.AlertThreshold == 0 {
		cfg.AlertThreshold = 20
	}
	return &Engine{
		store:    store,
		registry: registry,
		recorder: recorder,
		notifier: notifier,
		events:   events,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs poll passes until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	e.logger.Info("dispatch engine started",
		zap.Duration("poll_interval", e.config.PollInterval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("dispatch engine stopping")
			return
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil {
				e.logger.Error("dispatch pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce executes one poll pass: fetch due jobs, claim and process each.
// The pass stops at the wall-clock ceiling; unclaimed jobs stay pending
// for the next pass.
func (e *Engine) RunOnce(ctx context.Context) error {
	due, err := e.store.DueDispatches(ctx, time.Now(), e.config.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch due dispatches: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	deadline := time.Now().Add(e.config.PassCeiling)
	var batchSent, batchFailed int
	var finished []uuid.UUID

	for _, job := range due {
		if time.Now().After(deadline) {
			e.logger.Info("dispatch pass ceiling reached",
				zap.Int("deferred", len(due)-len(finished)))
			break
		}

		claimed, err := e.store.ClaimDispatch(ctx, job.ID)
		if err != nil {
			e.logger.Error("claim failed", zap.Error(err),
				zap.String("dispatch_id", job.ID.String()))
			continue
		}
		if !claimed {
			// Another worker got there first.
			e.logger.Info("dispatch already processed",
				zap.String("dispatch_id", job.ID.String()))
			continue
		}

		sent, failed := e.process(ctx, job)
		batchSent += sent
		batchFailed += failed
		finished = append(finished, job.ID)
	}

	if batchFailed >= e.config.AlertThreshold && e.notifier != nil {
		err := e.notifier.NotifyBatchFailures(ctx, alert.Summary{
			DispatchIDs:     finished,
			FailedRecipient: batchFailed,
			SentRecipient:   batchSent,
			Threshold:       e.config.AlertThreshold,
		})
		if err != nil {
			e.logger.Error("failed to send batch alert", zap.Error(err))
		}
	}
	return nil
}

// process walks the recipient list of one claimed job and records the
// terminal state. A recipient failure never aborts the loop.
func (e *Engine) process(ctx context.Context, job *db.ScheduledDispatch) (sent, failed int) {
	adapter, ok := e.registry.ByID(job.ChannelID)

	var lastError *string
	for i, recipient := range job.Recipients {
		if !ok {
			failed++
			reason := fmt.Sprintf("channel %s not connected", job.ChannelID)
			lastError = &reason
			continue
		}

		if i > 0 {
			timer := time.NewTimer(e.config.SendDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				reason := ctx.Err().Error()
				lastError = &reason
				failed += len(job.Recipients) - i
				e.finish(context.WithoutCancel(ctx), job, sent, failed, lastError)
				return sent, failed
			case <-timer.C:
			}
		}

		body := Render(job.Template, recipient.Variables)
		result := adapter.SendMessage(ctx, channel.SendRequest{
			To:   recipient.Phone,
			Type: db.MessageTypeText,
			Body: body,
		})
		if result.Success {
			sent++
			metrics.DispatchRecipientsSent.Inc()
			metrics.RecordMessageSent(adapter.Type(), "success")
			if e.recorder != nil {
				_, err := e.recorder.RecordOutbound(ctx, normalize.Outbound{
					ChannelID:   job.ChannelID,
					AccountID:   job.AccountID,
					ChannelType: adapter.Type(),
					To:          recipient.Phone,
					Body:        body,
					ExternalID:  result.ExternalID,
				})
				if err != nil {
					e.logger.Error("failed to record outbound message",
						zap.Error(err),
						zap.String("dispatch_id", job.ID.String()),
						zap.String("to", recipient.Phone))
				}
			}
		} else {
			failed++
			metrics.DispatchRecipientsFailed.Inc()
			metrics.RecordMessageSent(adapter.Type(), "failure")
			reason := result.Err
			lastError = &reason
			e.logger.Warn("recipient send failed",
				zap.String("dispatch_id", job.ID.String()),
				zap.String("to", recipient.Phone),
				zap.String("error", result.Err))
		}
	}

	e.finish(ctx, job, sent, failed, lastError)
	return sent, failed
}

func (e *Engine) finish(ctx context.Context, job *db.ScheduledDispatch, sent, failed int, lastError *string) {
	status := db.DispatchStatusCompleted
	if sent == 0 {
		status = db.DispatchStatusFailed
	}

	if err := e.store.FinishDispatch(ctx, job.ID, status, sent, failed, lastError); err != nil {
		e.logger.Error("failed to finish dispatch", zap.Error(err),
			zap.String("dispatch_id", job.ID.String()))
		return
	}
	metrics.DispatchesProcessed.WithLabelValues(status).Inc()

	job.Status = status
	job.SentCount = sent
	job.FailedCount = failed
	job.LastError = lastError
	if e.events != nil {
		e.events.DispatchFinished(ctx, job)
	}

	e.logger.Info("dispatch processed",
		zap.String("dispatch_id", job.ID.String()),
		zap.String("status", status),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
	)
}
