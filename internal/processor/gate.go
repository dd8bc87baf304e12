package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"call-processing/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Gate suppresses redundant worker spawns for a call. It is an optimization
// only: correctness rests on the locked idempotence guard inside the worker,
// so a gate may spuriously allow and must never block forever.
type Gate interface {
	// TryAcquire reports whether a worker should run for callID now.
	TryAcquire(ctx context.Context, callID string) bool

	// Release frees the slot taken by TryAcquire.
	Release(ctx context.Context, callID string)
}

// MemoryGate is the in-process default: one slot per call id.
type MemoryGate struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{held: make(map[string]struct{})}
}

func (g *MemoryGate) TryAcquire(ctx context.Context, callID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[callID]; ok {
		return false
	}
	g.held[callID] = struct{}{}
	return true
}

func (g *MemoryGate) Release(ctx context.Context, callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, callID)
}

// NopGate always allows. Useful where suppression is disabled and every
// trigger should reach the idempotence guard.
type NopGate struct{}

func (NopGate) TryAcquire(ctx context.Context, callID string) bool { return true }
func (NopGate) Release(ctx context.Context, callID string)         {}

// RedisGate backs the slot by a single-capacity Redis concurrency cap with a
// TTL, so a crashed process cannot leak a suppression slot forever.
//
// Failure policy: if Redis is unreachable the gate allows the spawn; the
// idempotence guard absorbs the extra worker.
type RedisGate struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewRedisGate(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *RedisGate {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisGate{rdb: rdb, ttl: ttl, log: log}
}

func (g *RedisGate) key(callID string) string {
	return "callproc:trigger:" + callID
}

func (g *RedisGate) TryAcquire(ctx context.Context, callID string) bool {
	ok, err := utils.AcquireConcurrencyCap(ctx, g.rdb, g.key(callID), 1, g.ttl)
	if err != nil {
		g.log.Warn("trigger gate unavailable, allowing spawn", "call_id", callID, "err", err)
		return true
	}
	return ok
}

func (g *RedisGate) Release(ctx context.Context, callID string) {
	if err := utils.ReleaseConcurrencyCap(ctx, g.rdb, g.key(callID)); err != nil {
		g.log.Warn("trigger gate release failed", "call_id", callID, "err", err)
	}
}

var (
	_ Gate = (*MemoryGate)(nil)
	_ Gate = NopGate{}
	_ Gate = (*RedisGate)(nil)
)
