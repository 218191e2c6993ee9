package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/ollamaproxy/keypool"
	"github.com/example/ollamaproxy/metrics"
	"github.com/example/ollamaproxy/services"
)

// Probe result status strings, also shown on the dashboard.
const (
	StatusOK          = "ok"
	StatusRateLimited = "rate_limited"
	StatusPenalized   = "penalized"
	StatusError       = "error"
	StatusOffline     = "offline"
)

// ProbeResult is the cached outcome of the most recent probe for one key.
// The on-demand health snapshot serves these without probing synchronously,
// so stale results are expected and fine.
type ProbeResult struct {
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Checker is the background health controller. It owns all active probing:
// each tick it re-tests keys whose penalty has lapsed and re-applies or
// clears penalties based on the outcome. It is the only writer of the probe
// cache behind /health and /health/keys.
type Checker struct {
	Keys     *keypool.Table
	Upstream *services.UpstreamService
	Interval time.Duration
	Log      *logrus.Logger

	// Now is the clock, swappable in tests.
	Now func() time.Time

	mu         sync.Mutex
	results    map[int]ProbeResult
	upstreamOK bool
}

func NewChecker(keys *keypool.Table, upstream *services.UpstreamService, interval time.Duration, log *logrus.Logger) *Checker {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Checker{
		Keys:     keys,
		Upstream: upstream,
		Interval: interval,
		Log:      log,
		Now:      time.Now,
		results:  make(map[int]ProbeResult),
	}
}

// Run executes health ticks until the context is cancelled. One tick runs
// immediately so /health has data soon after startup.
func (c *Checker) Run(ctx context.Context) {
	c.Log.Info("health checker started")
	c.Tick(ctx)

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one probe cycle over a snapshot of the key table.
func (c *Checker) Tick(ctx context.Context) {
	now := c.Now()
	snapshot := c.Keys.Snapshot(now)

	probed := 0
	reachable := 0
	for _, rec := range snapshot {
		if ctx.Err() != nil {
			return
		}

		if rec.Penalized(now) {
			c.setResult(rec.Index, ProbeResult{Status: StatusPenalized, CheckedAt: now})
			continue
		}

		key, ok := c.Keys.Key(rec.Index)
		if !ok {
			continue
		}

		rehabilitating := rec.BackoffLevel > 0 || rec.PenaltyUntil != nil || rec.LastErrorAt != nil
		status, err := c.Upstream.Probe(ctx, key)
		probed++

		switch {
		case err != nil:
			c.setResult(rec.Index, ProbeResult{Status: StatusOffline, CheckedAt: now})
			if rehabilitating {
				// A key under rehabilitation stays cooling down until a
				// probe actually succeeds.
				_, _ = c.Keys.MarkTransient(rec.Index, 0, now)
			}
			c.Log.Warnf("health: probe for key %d failed: %v", rec.Index, err)
			continue
		case status >= 200 && status < 300:
			reachable++
			c.setResult(rec.Index, ProbeResult{Status: StatusOK, StatusCode: status, CheckedAt: now})
			if rehabilitating {
				_ = c.Keys.MarkHealthy(rec.Index)
				c.Log.Infof("health: key %d recovered, penalty cleared", rec.Index)
			}
		case status == 429:
			reachable++
			c.setResult(rec.Index, ProbeResult{Status: StatusRateLimited, StatusCode: status, CheckedAt: now})
			state, _ := c.Keys.MarkRateLimited(rec.Index, status, now, 0)
			metrics.PenaltiesTotal.WithLabelValues("rate_limit").Inc()
			c.Log.Warnf("health: key %d still rate-limited, backoff level %d", rec.Index, state.BackoffLevel)
		default:
			if status < 500 {
				reachable++
			}
			c.setResult(rec.Index, ProbeResult{Status: StatusError, StatusCode: status, CheckedAt: now})
			if rehabilitating {
				_, _ = c.Keys.MarkTransient(rec.Index, status, now)
				metrics.PenaltiesTotal.WithLabelValues("transient").Inc()
			}
			c.Log.Warnf("health: probe for key %d returned status %d", rec.Index, status)
		}
	}

	c.mu.Lock()
	if probed > 0 {
		c.upstreamOK = reachable > 0
	}
	c.mu.Unlock()

	metrics.AvailableKeys.Set(float64(c.Keys.AvailableCount(c.Now())))
}

func (c *Checker) setResult(index int, result ProbeResult) {
	c.mu.Lock()
	c.results[index] = result
	c.mu.Unlock()
}

// UpstreamOK reports whether the most recent probe cycle reached upstream.
func (c *Checker) UpstreamOK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstreamOK
}

// Result returns the cached probe result for one key.
func (c *Checker) Result(index int) (ProbeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[index]
	return r, ok
}

// OperatorReset clears a key's penalty state on operator request. No probe
// is forced; the next tick re-evaluates the key normally.
func (c *Checker) OperatorReset(index int) error {
	if err := c.Keys.Reset(index); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.results, index)
	c.mu.Unlock()
	c.Log.Infof("health: key %d reset by operator", index)
	return nil
}
