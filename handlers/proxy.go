package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/example/ollamaproxy/keypool"
	"github.com/example/ollamaproxy/metrics"
	"github.com/example/ollamaproxy/services"
	"github.com/example/ollamaproxy/usage"
)

// tailBufferSize is how much of a response stream is retained for parsing
// the trailing token-usage JSON. 4 KiB comfortably holds the final stats
// object even when it is split across network chunks.
const tailBufferSize = 4096

// Proxy is the per-request dispatch engine: it materializes the client
// body, then selects, calls and classifies upstream attempts until one is
// terminal, rotating to a different key on quota and transient failures.
func (h *Handler) Proxy(c echo.Context) error {
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	req := c.Request()
	clientIP := c.RealIP()

	// The body must be replayable across retries, so it is read fully up
	// front. Streaming request uploads are not supported.
	body, err := io.ReadAll(io.LimitReader(req.Body, h.Config.MaxRequestBodyBytes+1))
	if err != nil {
		if req.Context().Err() != nil {
			h.Log.Debugf("dispatch: client %s disconnected while sending body", clientIP)
			return nil
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}
	if int64(len(body)) > h.Config.MaxRequestBodyBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
	}

	cleanPath := services.CleanPath(req.URL.Path)

	// Archive the raw body and open the request log row before the first
	// attempt; both are best-effort.
	now := time.Now()
	filePath := h.Archive.Store(clientIP, body, now)
	requestLogID := h.Recorder.CreateRequestLog(clientIP, req.Method, cleanPath, filePath, now)

	// Load-balance hint from the usage store. A failed query just means
	// selection falls back to index order.
	hint := h.Recorder.UsageByKey(now.Add(-usage.HintWindow))

	excluded := make(map[int]bool)
	var last *services.Result

	for {
		if req.Context().Err() != nil {
			h.Log.Debugf("dispatch: client %s disconnected before attempt", clientIP)
			metrics.RequestsTotal.WithLabelValues("cancelled").Inc()
			return nil
		}

		index, err := keypool.Select(h.Keys, time.Now(), excluded, hint)
		if err != nil {
			break // exhausted
		}
		key, _ := h.Keys.Key(index)
		excluded[index] = true
		attempt := len(excluded)

		res, err := h.Upstream.Forward(req.Context(), key, req.Method, cleanPath, req.URL.RawQuery, req.Header, body)
		if err != nil {
			if req.Context().Err() != nil {
				h.Log.Debugf("dispatch: client %s disconnected during attempt %d", clientIP, attempt)
				metrics.RequestsTotal.WithLabelValues("cancelled").Inc()
				return nil
			}
			// Local failure before any upstream status: short penalty, next key.
			metrics.AttemptLatency.WithLabelValues("error").Observe(0)
			metrics.PenaltiesTotal.WithLabelValues("transient").Inc()
			_, _ = h.Keys.MarkTransient(index, 0, time.Now())
			h.Log.Warnf("dispatch: key %d attempt %d failed locally: %v", index, attempt, err)
			continue
		}

		metrics.AttemptLatency.WithLabelValues(metrics.StatusClass(res.StatusCode)).Observe(res.Latency.Seconds())
		h.captureRateLimitHeaders(index, res.Header)

		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return h.streamResponse(c, index, cleanPath, clientIP, requestLogID, res)

		case res.StatusCode == http.StatusTooManyRequests:
			floor := rateLimitResetFloor(res.Header)
			state, _ := h.Keys.MarkRateLimited(index, res.StatusCode, time.Now(), floor)
			metrics.PenaltiesTotal.WithLabelValues("rate_limit").Inc()
			h.Log.Warnf("dispatch: key %d attempt %d rate-limited, backoff level %d, cooling down until %s",
				index, attempt, state.BackoffLevel, state.PenaltyUntil.Format(time.RFC3339))
			last = res
			continue

		case res.StatusCode == 500 || res.StatusCode == 502 || res.StatusCode == 503 || res.StatusCode == 504:
			_, _ = h.Keys.MarkTransient(index, res.StatusCode, time.Now())
			metrics.PenaltiesTotal.WithLabelValues("transient").Inc()
			h.Log.Warnf("dispatch: key %d attempt %d hit upstream error %d", index, attempt, res.StatusCode)
			last = res
			continue

		default:
			// Client-side 4xx: the key is fine, the request is not. No
			// penalty, no retry.
			metrics.RequestsTotal.WithLabelValues("client_error").Inc()
			return relayError(c, res)
		}
	}

	metrics.RequestsTotal.WithLabelValues("exhausted").Inc()
	if last != nil {
		// Every key was tried; relay the last upstream verdict verbatim.
		h.Log.Warnf("dispatch: all %d keys exhausted, relaying last upstream status %d", h.Keys.Len(), last.StatusCode)
		return relayError(c, last)
	}
	h.Log.Errorf("dispatch: all %d keys failed locally, no upstream status received", h.Keys.Len())
	return c.JSON(http.StatusServiceUnavailable, map[string]string{
		"error": "no upstream API key available: all keys exhausted, penalized, or unreachable",
	})
}

// streamResponse relays a 2xx upstream body to the client byte-for-byte,
// then parses the retained tail for token counts and emits the usage event.
func (h *Handler) streamResponse(c echo.Context, keyIndex int, path, clientIP string, requestLogID uint, res *services.Result) error {
	defer res.Body.Close()

	resp := c.Response()
	services.StripHopByHop(res.Header)
	for name, values := range res.Header {
		resp.Header()[name] = values
	}
	resp.WriteHeader(res.StatusCode)

	buf := make([]byte, 32*1024)
	tail := make([]byte, 0, tailBufferSize)
	clientGone := false

	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			if _, werr := resp.Write(buf[:n]); werr != nil {
				clientGone = true
				break
			}
			resp.Flush()

			tail = append(tail, buf[:n]...)
			if len(tail) > tailBufferSize {
				tail = tail[len(tail)-tailBufferSize:]
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			h.Log.Warnf("dispatch: upstream stream for key %d ended early: %v", keyIndex, err)
			clientGone = c.Request().Context().Err() != nil
			break
		}
	}

	if clientGone {
		h.Log.Debugf("dispatch: client %s disconnected mid-stream", clientIP)
		metrics.RequestsTotal.WithLabelValues("cancelled").Inc()
		return nil
	}

	model, promptTokens, completionTokens, ok := parseUsageTail(tail)
	if ok {
		metrics.TokenUsageTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		metrics.TokenUsageTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
		h.Recorder.Record(usage.Event{
			KeyIndex:         keyIndex,
			Model:            model,
			ClientIP:         clientIP,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Path:             path,
			Timestamp:        time.Now(),
			RequestLogID:     requestLogID,
		})
	}

	metrics.RequestsTotal.WithLabelValues("success").Inc()
	return nil
}

// parseUsageTail scans the retained tail of a response for the final JSON
// object carrying token counters. Upstream sends newline-delimited JSON for
// streams and a single object otherwise; the last complete object with
// done=true or an eval_count wins. Absent counters are tolerated.
func parseUsageTail(tail []byte) (model string, promptTokens, completionTokens int, ok bool) {
	lines := strings.Split(strings.TrimSpace(string(tail)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}

		var data map[string]interface{}
		if err := json.Unmarshal([]byte(line), &data); err != nil {
			continue
		}
		done, _ := data["done"].(bool)
		_, hasEval := data["eval_count"]
		if !done && !hasEval {
			continue
		}

		model = "unknown"
		if m, isStr := data["model"].(string); isStr && m != "" {
			model = m
		}
		if v, isNum := data["prompt_eval_count"].(float64); isNum {
			promptTokens = int(v)
		}
		if v, isNum := data["eval_count"].(float64); isNum {
			completionTokens = int(v)
		}
		return model, promptTokens, completionTokens, true
	}
	return "", 0, 0, false
}

// relayError forwards a buffered non-2xx upstream response to the client.
func relayError(c echo.Context, res *services.Result) error {
	contentType := res.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(res.StatusCode, contentType, res.ErrorBody)
}

// rateLimitResetFloor extracts the upstream's announced reset window, used
// to extend the ladder cooldown when the upstream asks for longer.
func rateLimitResetFloor(header http.Header) time.Duration {
	raw := header.Get("X-Ratelimit-Reset")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// captureRateLimitHeaders stores the latest X-Ratelimit-* headers for the
// /ratelimits endpoint.
func (h *Handler) captureRateLimitHeaders(keyIndex int, header http.Header) {
	var captured map[string]string
	for name, values := range header {
		if !strings.HasPrefix(strings.ToLower(name), "x-ratelimit-") || len(values) == 0 {
			continue
		}
		if captured == nil {
			captured = make(map[string]string)
		}
		captured[strings.ToLower(name)] = values[0]
	}
	if captured == nil {
		return
	}
	h.rlMu.Lock()
	h.rateLimits[fmt.Sprintf("key_%d", keyIndex)] = captured
	h.rlMu.Unlock()
}

// RateLimits serves the latest captured rate limit headers for all keys.
func (h *Handler) RateLimits(c echo.Context) error {
	h.rlMu.Lock()
	defer h.rlMu.Unlock()
	out := make(map[string]map[string]string, len(h.rateLimits))
	for k, v := range h.rateLimits {
		out[k] = v
	}
	return c.JSON(http.StatusOK, out)
}
