// Package redis backs the embedding cache (C3) with a shared Redis
// store so multiple Processor instances can share a warm cache. Misses
// on the backing store never block request processing: a timeout or
// any Redis error is treated as a cache miss, logged, and counted
// toward the caller-supplied circuit breaker rather than surfaced as a
// failure (SPEC_FULL.md §4.2).
package redis

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/cache"
)

const keyPrefix = "identaur:embedding:"

// BreakerObserver receives a signal whenever a call to the backing
// Redis store fails, so the caller's circuit breaker can count it
// toward its failure threshold without this package depending on
// pkg/resilience directly.
type BreakerObserver func(err error)

// Cache is a cache.Cache backed by Redis.
type Cache struct {
	client      *redis.Client
	defaultTTL  time.Duration
	callTimeout time.Duration
	log         *zap.Logger
	onFailure   BreakerObserver

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New builds a Redis-backed Cache. callTimeout bounds each Redis round
// trip; exceeding it is treated as a miss, never a blocking wait.
func New(client *redis.Client, defaultTTL, callTimeout time.Duration, log *zap.Logger, onFailure BreakerObserver) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		client:      client,
		defaultTTL:  defaultTTL,
		callTimeout: callTimeout,
		log:         log,
		onFailure:   onFailure,
	}
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		bits := binary.LittleEndian.Uint32(buf[i*4:])
		v[i] = math.Float32frombits(bits)
	}
	return v
}

func (c *Cache) observe(err error) {
	if err != nil && c.onFailure != nil {
		c.onFailure(err)
	}
}

func (c *Cache) Get(ctx context.Context, applicationID string) ([]float32, bool) {
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	val, err := c.client.Get(cctx, keyPrefix+applicationID).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("redis cache get failed, treating as miss", zap.Error(err), zap.String("application_id", applicationID))
			c.observe(err)
		}
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return decodeVector(val), true
}

func (c *Cache) Set(ctx context.Context, applicationID string, vector []float32, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.client.Set(cctx, keyPrefix+applicationID, encodeVector(vector), ttl).Err(); err != nil {
		c.log.Warn("redis cache set failed", zap.Error(err), zap.String("application_id", applicationID))
		c.observe(err)
	}
}

func (c *Cache) Delete(ctx context.Context, applicationID string) {
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.client.Del(cctx, keyPrefix+applicationID).Err(); err != nil {
		c.log.Warn("redis cache delete failed", zap.Error(err))
		c.observe(err)
	}
}

func (c *Cache) Clear(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	iter := c.client.Scan(cctx, 0, keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(cctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.Warn("redis cache scan failed during clear", zap.Error(err))
		c.observe(err)
		return
	}
	if len(keys) > 0 {
		if err := c.client.Del(cctx, keys...).Err(); err != nil {
			c.log.Warn("redis cache delete failed during clear", zap.Error(err))
			c.observe(err)
		}
	}
}

// Stats reports hit and miss counts. Size and Evictions are not
// tracked for the Redis backing (Redis expires keys itself) and are
// always zero.
func (c *Cache) Stats() cache.Stats {
	return cache.Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

var _ cache.Cache = (*Cache)(nil)
