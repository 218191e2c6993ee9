package healthcheck

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/ollamaproxy/keypool"
	"github.com/example/ollamaproxy/services"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// probeServer answers /api/tags with a per-key status code.
func probeServer(t *testing.T, statusByKey map[string]int, probeCount *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected probe path %s", r.URL.Path)
		}
		if probeCount != nil {
			atomic.AddInt64(probeCount, 1)
		}
		key := r.Header.Get("Authorization")
		status, ok := statusByKey[key]
		if !ok {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}))
}

func newChecker(t *testing.T, keys []string, server *httptest.Server) (*Checker, *keypool.Table) {
	t.Helper()
	table, err := keypool.NewTable(keys)
	if err != nil {
		t.Fatal(err)
	}
	upstream := services.NewUpstreamService(server.URL, 2*time.Second, testLogger())
	return NewChecker(table, upstream, time.Minute, testLogger()), table
}

func TestTickRecoversExpiredPenalty(t *testing.T) {
	server := probeServer(t, map[string]int{"Bearer A": http.StatusOK}, nil)
	defer server.Close()

	c, table := newChecker(t, []string{"A"}, server)

	// Key penalized in the past at backoff level 2.
	start := time.Now().Add(-2 * time.Hour)
	table.MarkRateLimited(0, 429, start, 0)
	table.MarkRateLimited(0, 429, start.Add(16*time.Minute), 0)

	c.Tick(context.Background())

	state, _ := table.Get(0, time.Now())
	if !state.Available {
		t.Error("expected key available after successful probe")
	}
	if state.BackoffLevel != 0 {
		t.Errorf("expected backoff reset to 0, got %d", state.BackoffLevel)
	}
	if state.LastErrorStatus != nil || state.LastErrorAt != nil {
		t.Error("expected error history cleared")
	}
	if result, ok := c.Result(0); !ok || result.Status != StatusOK {
		t.Errorf("expected cached ok probe result, got %+v", result)
	}
	if !c.UpstreamOK() {
		t.Error("expected upstream reachable")
	}
}

func TestTickReappliesRateLimitPenalty(t *testing.T) {
	server := probeServer(t, map[string]int{"Bearer A": http.StatusTooManyRequests}, nil)
	defer server.Close()

	c, table := newChecker(t, []string{"A"}, server)

	table.MarkRateLimited(0, 429, time.Now().Add(-time.Hour), 0)
	c.Tick(context.Background())

	state, _ := table.Get(0, time.Now())
	if state.Available {
		t.Error("expected key still cooling down after probe 429")
	}
	if state.BackoffLevel != 2 {
		t.Errorf("expected one ladder step, got level %d", state.BackoffLevel)
	}
	if result, _ := c.Result(0); result.Status != StatusRateLimited {
		t.Errorf("expected rate_limited probe result, got %s", result.Status)
	}
}

func TestTickSkipsActivelyPenalizedKeys(t *testing.T) {
	var probes int64
	server := probeServer(t, map[string]int{}, &probes)
	defer server.Close()

	c, table := newChecker(t, []string{"A", "B"}, server)

	table.MarkRateLimited(0, 429, time.Now(), 0)
	c.Tick(context.Background())

	// Only the healthy key gets probed; the cooling key is reported cached.
	if probes != 1 {
		t.Errorf("expected 1 probe, got %d", probes)
	}
	if result, _ := c.Result(0); result.Status != StatusPenalized {
		t.Errorf("expected penalized status cached, got %s", result.Status)
	}
}

func TestTickTransientProbeFailure(t *testing.T) {
	server := probeServer(t, map[string]int{"Bearer A": http.StatusBadGateway}, nil)
	defer server.Close()

	c, table := newChecker(t, []string{"A"}, server)

	table.MarkTransient(0, 503, time.Now().Add(-time.Minute))
	c.Tick(context.Background())

	state, _ := table.Get(0, time.Now())
	if state.Available {
		t.Error("expected short penalty re-applied after failed probe")
	}
	if state.BackoffLevel != 0 {
		t.Errorf("transient probe failure must not advance backoff, got %d", state.BackoffLevel)
	}
}

func TestTickHealthyKeyProbeFailureDoesNotPenalize(t *testing.T) {
	server := probeServer(t, map[string]int{"Bearer A": http.StatusBadGateway}, nil)
	defer server.Close()

	c, table := newChecker(t, []string{"A"}, server)
	c.Tick(context.Background())

	// A key with no penalty history is only being watched, not rehabilitated.
	state, _ := table.Get(0, time.Now())
	if !state.Available {
		t.Error("healthy key must stay available after a failed watch probe")
	}
	if result, _ := c.Result(0); result.Status != StatusError {
		t.Errorf("expected error probe result, got %s", result.Status)
	}
}

func TestOperatorResetDuringCooldown(t *testing.T) {
	server := probeServer(t, map[string]int{}, nil)
	defer server.Close()

	c, table := newChecker(t, []string{"A"}, server)

	now := time.Now()
	table.MarkRateLimited(0, 429, now, 0)
	table.MarkRateLimited(0, 429, now.Add(16*time.Minute), 0)
	table.MarkRateLimited(0, 429, now.Add(90*time.Minute), 0)

	if err := c.OperatorReset(0); err != nil {
		t.Fatal(err)
	}

	state, _ := table.Get(0, now.Add(91*time.Minute))
	if !state.Available || state.BackoffLevel != 0 || state.PenaltyUntil != nil {
		t.Errorf("expected clean record after reset, got %+v", state)
	}
	if _, ok := c.Result(0); ok {
		t.Error("expected cached probe result invalidated by reset")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	server := probeServer(t, map[string]int{}, nil)
	defer server.Close()

	c, _ := newChecker(t, []string{"A"}, server)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("checker did not stop on context cancel")
	}
}
