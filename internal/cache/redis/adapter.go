// Package redis provides a Redis-backed access cache adapter. The shared
// backend widens where a cached decision can be read from; the per-principal
// generation key carries the invalidation guard across processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"veriam.dev/internal/cache"
)

const defaultPrefix = "veriam:access"

// setIfGenMatches writes the role set only when the principal's generation
// key still holds the value the caller sampled. An absent key counts as
// generation zero.
var setIfGenMatches = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then gen = '0' end
if gen ~= ARGV[2] then return 0 end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

type Adapter struct {
	client *redis.Client
	prefix string
}

var _ cache.AccessCache = (*Adapter)(nil)

// Option configures the adapter.
type Option func(*Adapter)

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) Option {
	return func(a *Adapter) {
		if prefix != "" {
			a.prefix = prefix
		}
	}
}

func NewAdapter(client *redis.Client, opts ...Option) *Adapter {
	a := &Adapter{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) key(principalID, application string) string {
	return fmt.Sprintf("%s:%s:%s", a.prefix, principalID, application)
}

func (a *Adapter) genKey(principalID string) string {
	return fmt.Sprintf("%s:gen:%s", a.prefix, principalID)
}

func (a *Adapter) Get(ctx context.Context, principalID, application string) ([]string, uint64, bool, error) {
	vals, err := a.client.MGet(ctx, a.key(principalID, application), a.genKey(principalID)).Result()
	if err != nil {
		return nil, 0, false, fmt.Errorf("redis cache get: %w", err)
	}
	gen := parseGen(vals[1])
	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen, false, nil
	}
	var roles []string
	if err := json.Unmarshal([]byte(raw), &roles); err != nil {
		return nil, gen, false, fmt.Errorf("redis cache decode: %w", err)
	}
	return roles, gen, true, nil
}

func (a *Adapter) Set(ctx context.Context, principalID, application string, roles []string, ttl time.Duration, gen uint64) error {
	if principalID == "" || application == "" {
		return errors.New("redis cache: principal and application are required")
	}
	if ttl <= 0 {
		return errors.New("redis cache: ttl must be greater than zero")
	}
	if roles == nil {
		roles = []string{}
	}
	raw, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("redis cache encode: %w", err)
	}
	px := ttl.Milliseconds()
	if px <= 0 {
		px = 1
	}
	keys := []string{a.key(principalID, application), a.genKey(principalID)}
	err = setIfGenMatches.Run(ctx, a.client, keys,
		string(raw), strconv.FormatUint(gen, 10), px).Err()
	if err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func (a *Adapter) InvalidatePrincipal(ctx context.Context, principalID string) error {
	// The generation moves first so that populations sampled before this
	// point can no longer land, then the existing entries go.
	if err := a.client.Incr(ctx, a.genKey(principalID)).Err(); err != nil {
		return fmt.Errorf("redis cache generation: %w", err)
	}
	pattern := fmt.Sprintf("%s:%s:*", a.prefix, principalID)
	iter := a.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := a.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis cache delete: %w", err)
	}
	return nil
}

func parseGen(v any) uint64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	gen, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return gen
}
