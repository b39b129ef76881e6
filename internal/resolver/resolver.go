// Package resolver maps between a transport's opaque privacy-preserving
// identifier and the stable addressable identifier for the same
// correspondent. Mappings can only be learned from traffic, so an
// unresolved lookup is an expected outcome, not an error; callers retry
// resolution lazily.
package resolver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/redis"
)

const cacheTTL = 12 * time.Hour

// Store is the persistent mapping table.
type Store interface {
	UpsertLIDMapping(ctx context.Context, opaqueID, address string) error
	AddressForOpaqueID(ctx context.Context, opaqueID string) (string, error)
	OpaqueIDForAddress(ctx context.Context, address string) (string, error)
}

// Resolver performs bidirectional identifier resolution with a Redis
// read-through cache in front of the mapping table.
type Resolver struct {
	store  Store
	cache  *redis.Client // nil disables caching
	logger *zap.Logger
}

// New creates a resolver. cache may be nil.
func New(store Store, cache *redis.Client, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// ResolveToAddress returns the stable address for an opaque id. ok is false
// when no mapping has been learned yet or the lookup failed; failures are
// logged, not surfaced, since the caller's recovery is identical.
func (r *Resolver) ResolveToAddress(ctx context.Context, opaqueID string) (string, bool) {
	if opaqueID == "" {
		return "", false
	}

	if cached, ok := r.fromCache(ctx, "lid:addr:"+opaqueID); ok {
		return cached, true
	}

	address, err := r.store.AddressForOpaqueID(ctx, opaqueID)
	if err != nil {
		r.logger.Warn("lid mapping lookup failed",
			zap.Error(err),
			zap.String("opaque_id", opaqueID),
		)
		return "", false
	}
	if address == "" {
		return "", false
	}

	r.toCache(ctx, "lid:addr:"+opaqueID, address)
	return address, true
}

// ResolveToOpaqueID is the reverse lookup.
func (r *Resolver) ResolveToOpaqueID(ctx context.Context, address string) (string, bool) {
	if address == "" {
		return "", false
	}

	if cached, ok := r.fromCache(ctx, "lid:opaque:"+address); ok {
		return cached, true
	}

	opaqueID, err := r.store.OpaqueIDForAddress(ctx, address)
	if err != nil {
		r.logger.Warn("lid mapping reverse lookup failed",
			zap.Error(err),
			zap.String("address", address),
		)
		return "", false
	}
	if opaqueID == "" {
		return "", false
	}

	r.toCache(ctx, "lid:opaque:"+address, opaqueID)
	return opaqueID, true
}

// Learn records a pair observed in traffic and refreshes both cache
// directions.
func (r *Resolver) Learn(ctx context.Context, opaqueID, address string) error {
	if opaqueID == "" || address == "" {
		return nil
	}

	if err := r.store.UpsertLIDMapping(ctx, opaqueID, address); err != nil {
		return err
	}

	r.toCache(ctx, "lid:addr:"+opaqueID, address)
	r.toCache(ctx, "lid:opaque:"+address, opaqueID)

	r.logger.Debug("lid mapping learned",
		zap.String("opaque_id", opaqueID),
		zap.String("address", address),
	)

	return nil
}

func (r *Resolver) fromCache(ctx context.Context, key string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	val, err := r.cache.Get(ctx, key)
	if err != nil || val == "" {
		return "", false
	}
	return val, true
}

func (r *Resolver) toCache(ctx context.Context, key, value string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, key, value, cacheTTL); err != nil {
		r.logger.Debug("lid cache write failed", zap.Error(err))
	}
}
