package ratelimiter

import (
	"sync"
	"sync/atomic"
	"time"
)

// FixedWindowRateLimiter counts events per key in aligned windows. It throttles
// inbound websocket frames, keyed by session and participant.
type FixedWindowRateLimiter struct {
	counts      sync.Map // string -> *windowData
	limit       int64
	window      time.Duration
	cleanupTick *time.Ticker
	done        chan struct{}
	closeOnce   sync.Once
}

type windowData struct {
	count   atomic.Int64
	resetAt atomic.Value // time.Time
	mu      sync.Mutex   // only for reset
}

func NewFixedWindowRateLimiter(limit int, window time.Duration) *FixedWindowRateLimiter {
	rl := &FixedWindowRateLimiter{
		limit:       int64(limit),
		window:      window,
		cleanupTick: time.NewTicker(window),
		done:        make(chan struct{}),
	}
	go rl.startCleanup()
	return rl
}

// Allow reports whether key may proceed and, when it may not, how long until
// its window resets.
func (rl *FixedWindowRateLimiter) Allow(key string) (bool, time.Duration) {
	now := time.Now()
	nextReset := now.Truncate(rl.window).Add(rl.window)

	val, _ := rl.counts.LoadOrStore(key, &windowData{})
	data := val.(*windowData)

	if data.resetAt.Load() == nil {
		data.mu.Lock()
		if data.resetAt.Load() == nil {
			data.count.Store(1)
			data.resetAt.Store(nextReset)
			data.mu.Unlock()
			return true, 0
		}
		data.mu.Unlock()
	}

	if currentReset := data.resetAt.Load().(time.Time); now.Before(currentReset) {
		return rl.take(data, currentReset)
	}

	data.mu.Lock()
	defer data.mu.Unlock()

	// Another goroutine may have reset the window meanwhile.
	if currentReset := data.resetAt.Load().(time.Time); now.Before(currentReset) {
		return rl.take(data, currentReset)
	}

	data.count.Store(1)
	data.resetAt.Store(nextReset)
	return true, 0
}

func (rl *FixedWindowRateLimiter) take(data *windowData, resetAt time.Time) (bool, time.Duration) {
	if data.count.Add(1)-1 >= rl.limit {
		data.count.Add(-1)
		return false, time.Until(resetAt)
	}
	return true, 0
}

func (rl *FixedWindowRateLimiter) startCleanup() {
	for {
		select {
		case <-rl.cleanupTick.C:
			rl.cleanup()
		case <-rl.done:
			return
		}
	}
}

func (rl *FixedWindowRateLimiter) cleanup() {
	now := time.Now()
	rl.counts.Range(func(key, value any) bool {
		data := value.(*windowData)
		if resetAt := data.resetAt.Load(); resetAt != nil && now.After(resetAt.(time.Time)) {
			rl.counts.Delete(key)
		}
		return true
	})
}

func (rl *FixedWindowRateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.done)
		rl.cleanupTick.Stop()
	})
}
