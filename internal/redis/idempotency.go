package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long client-provided Idempotency-Key results
	// are retained on dispatch creation.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a request is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision while the
// first request is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult stores the cached response for an idempotent dispatch
// creation.
type IdempotencyResult struct {
	DispatchID string `json:"dispatch_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService guards dispatch creation against client retries.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(accountID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", accountID, idempotencyKey)
}

// CheckOrReserve returns the cached result when the key was already
// processed, reserves the key and returns nil when the request is new, or
// ErrDuplicateRequest when a first request is still in flight.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, accountID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(accountID, idempotencyKey)

	val, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}
	if val != "" {
		var result IdempotencyResult
		if err := json.Unmarshal([]byte(val), &result); err != nil {
			s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
			return nil, fmt.Errorf("invalid cached result: %w", err)
		}
		s.logger.Debug("idempotency cache hit",
			zap.String("account_id", accountID),
			zap.String("dispatch_id", result.DispatchID),
		)
		return &result, nil
	}

	won, err := s.client.SetNX(ctx, key, processingMarker, processingTTL)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}

// Store saves the result of a successfully processed request.
func (s *IdempotencyService) Store(ctx context.Context, accountID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(accountID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return s.client.Set(ctx, key, string(data), IdempotencyTTL)
}
