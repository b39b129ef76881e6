// Package alert delivers operator alerts about dispatch batches. One
// summary per batch; individual recipient failures never alert.
package alert

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Summary aggregates the failures of one dispatch batch.
type Summary struct {
	DispatchIDs     []uuid.UUID
	FailedRecipient int
	SentRecipient   int
	Threshold       int
}

// Notifier delivers a batch summary to the operator.
type Notifier interface {
	NotifyBatchFailures(ctx context.Context, s Summary) error
}

// LogNotifier writes summaries to the structured log. It is the fallback
// when no alerting topic is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) NotifyBatchFailures(ctx context.Context, s Summary) error {
	ids := make([]string, len(s.DispatchIDs))
	for i, id := range s.DispatchIDs {
		ids[i] = id.String()
	}
	n.Logger.Warn("dispatch batch exceeded failure threshold",
		zap.Int("failed_recipients", s.FailedRecipient),
		zap.Int("sent_recipients", s.SentRecipient),
		zap.Int("threshold", s.Threshold),
		zap.Strings("dispatch_ids", ids),
	)
	return nil
}
