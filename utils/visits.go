package utils

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// OnlineWindow is how long a visitor counts as online after their last request.
const OnlineWindow = 5 * time.Minute

// visitPruneEvery is how many touches the in-process tracker takes between sweeps.
const visitPruneEvery = 1024

// VisitTracker counts distinct visitors seen within a sliding window.
type VisitTracker interface {
	Touch(ctx context.Context, visitor string, now time.Time)
	Online(ctx context.Context, now time.Time) int64
}

// NewVisitTracker uses a Redis sorted set when rc is non-nil, otherwise a guarded map.
func NewVisitTracker(rc *redis.Client, window time.Duration) VisitTracker {
	if window <= 0 {
		window = OnlineWindow
	}
	if rc != nil {
		return &redisVisits{rc: rc, key: "stats:online", window: window}
	}
	return &memoryVisits{seen: map[string]time.Time{}, window: window}
}

type memoryVisits struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
	touches int
}

func (m *memoryVisits) Touch(_ context.Context, visitor string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[visitor] = now
	m.touches++
	if m.touches >= visitPruneEvery {
		m.touches = 0
		m.prune(now)
	}
}

func (m *memoryVisits) Online(_ context.Context, now time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(now)
	return int64(len(m.seen))
}

// prune drops visitors last seen before the window. Callers hold mu.
func (m *memoryVisits) prune(now time.Time) {
	cutoff := now.Add(-m.window)
	for v, last := range m.seen {
		if last.Before(cutoff) {
			delete(m.seen, v)
		}
	}
}

type redisVisits struct {
	rc     *redis.Client
	key    string
	window time.Duration
}

func (r *redisVisits) Touch(ctx context.Context, visitor string, now time.Time) {
	if err := r.rc.ZAdd(ctx, r.key, redis.Z{Score: float64(now.Unix()), Member: visitor}).Err(); err != nil {
		Sugar.Debugf("visit touch failed: %v", err)
	}
}

func (r *redisVisits) Online(ctx context.Context, now time.Time) int64 {
	cutoff := strconv.FormatInt(now.Add(-r.window).Unix(), 10)
	pipe := r.rc.TxPipeline()
	pipe.ZRemRangeByScore(ctx, r.key, "-inf", "("+cutoff)
	card := pipe.ZCard(ctx, r.key)
	if _, err := pipe.Exec(ctx); err != nil {
		Sugar.Warnf("online count failed: %v", err)
		return 0
	}
	return card.Val()
}
