package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/example/ollamaproxy/healthcheck"
	"github.com/example/ollamaproxy/keypool"
)

type healthResponse struct {
	ProxyOK    bool   `json:"proxy_ok"`
	UpstreamOK bool   `json:"upstream_ok"`
	Version    string `json:"version"`
}

// Health reports proxy liveness and the most recent probe's view of
// upstream. No probe runs inside this call.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		ProxyOK:    true,
		UpstreamOK: h.Checker.UpstreamOK(),
		Version:    h.Config.AppVersion,
	})
}

type keyHealth struct {
	Index           int        `json:"index"`
	Available       bool       `json:"available"`
	PenaltyUntil    *time.Time `json:"penalty_until"`
	BackoffLevel    int        `json:"backoff_level"`
	LastErrorStatus *int       `json:"last_error_status"`
	LastErrorAt     *time.Time `json:"last_error_at"`
	LastProbe       string     `json:"last_probe,omitempty"`
}

// HealthKeys returns per-key status plus cached probe results. Secrets are
// never exposed; keys are identified by index only.
func (h *Handler) HealthKeys(c echo.Context) error {
	snapshot := h.Keys.Snapshot(time.Now())
	out := make([]keyHealth, len(snapshot))
	for i, rec := range snapshot {
		out[i] = keyHealth{
			Index:           rec.Index,
			Available:       rec.Available,
			PenaltyUntil:    rec.PenaltyUntil,
			BackoffLevel:    rec.BackoffLevel,
			LastErrorStatus: rec.LastErrorStatus,
			LastErrorAt:     rec.LastErrorAt,
		}
		if probe, ok := h.Checker.Result(rec.Index); ok {
			out[i].LastProbe = probe.Status
		}
	}
	return c.JSON(http.StatusOK, out)
}

// ResetKey is the operator action: clear penalty, backoff and error history
// for one key.
func (h *Handler) ResetKey(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid key index"})
	}
	if err := h.Checker.OperatorReset(index); err != nil {
		if err == keypool.ErrIndexOutOfRange {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "key index out of range"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "reset", "key_index": index})
}

// PenalizeKey puts a key into cooldown on operator request, at its current
// backoff level.
func (h *Handler) PenalizeKey(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid key index"})
	}
	state, err := h.Keys.Penalize(index, time.Now())
	if err != nil {
		if err == keypool.ErrIndexOutOfRange {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "key index out of range"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	h.Log.Infof("health: key %d penalized by operator until %s", index, state.PenaltyUntil.Format(time.RFC3339))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     healthcheck.StatusPenalized,
		"key_index":  index,
		"expires_in": int(time.Until(*state.PenaltyUntil).Seconds()),
	})
}
