// Package cache defines the access cache contract: a short-TTL map from
// (principal, application) to the currently granted role names. Entries are
// never trusted past their expiry, and every grant mutation invalidates all
// entries for the affected principal before the mutation reports success.
//
// Each principal carries an invalidation generation. Readers sample it
// together with the entry, and a population only lands when the generation is
// unchanged, so a store read that was interleaved with an invalidation cannot
// write its pre-mutation role set back into the cache.
package cache

import (
	"context"
	"time"
)

// AccessCache is the injectable cache abstraction. Adapters: memory for
// process-local deployments, redis as a shared alternative.
type AccessCache interface {
	// Get returns the cached role set for the key, reporting a miss for
	// absent or expired entries, together with the principal's current
	// invalidation generation.
	Get(ctx context.Context, principalID, application string) (roles []string, gen uint64, hit bool, err error)
	// Set stores the role set under the key with the given TTL, provided the
	// principal's generation still equals gen. A moved generation means an
	// invalidation ran after the caller sampled it; the write is dropped.
	Set(ctx context.Context, principalID, application string, roles []string, ttl time.Duration, gen uint64) error
	// InvalidatePrincipal removes every entry whose key begins with the
	// principal, independent of application, and advances the generation.
	InvalidatePrincipal(ctx context.Context, principalID string) error
}
