package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// statsWindows are the windows accepted by /stats/minute.
var statsWindows = map[string]time.Duration{
	"10m": 10 * time.Minute,
	"60m": 60 * time.Minute,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
}

// Stats serves the hourly usage aggregation.
func (h *Handler) Stats(c echo.Context) error {
	rows, err := h.Recorder.HourlyStats()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "error retrieving stats"})
	}
	return c.JSON(http.StatusOK, rows)
}

// MinuteStats serves per-minute token totals for a bounded window.
func (h *Handler) MinuteStats(c echo.Context) error {
	window := c.QueryParam("window")
	if window == "" {
		window = "60m"
	}
	d, ok := statsWindows[window]
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid window, expected one of 10m, 60m, 2h, 4h, 6h, 12h, 24h"})
	}

	rows, err := h.Recorder.MinuteStats(time.Now().Add(-d))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "error retrieving minute stats"})
	}
	return c.JSON(http.StatusOK, rows)
}

// Stats24h serves hourly token totals for the last 24 hours.
func (h *Handler) Stats24h(c echo.Context) error {
	rows, err := h.Recorder.Stats24h(time.Now().Add(-24 * time.Hour))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "error retrieving 24h stats"})
	}
	return c.JSON(http.StatusOK, rows)
}

// Queries serves individual request logs with optional ip/model filters.
func (h *Handler) Queries(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	rows, err := h.Recorder.Queries(limit, offset, c.QueryParam("ip"), c.QueryParam("model"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "error retrieving queries"})
	}
	return c.JSON(http.StatusOK, rows)
}

// QueryBody serves the archived raw request body for one query.
func (h *Handler) QueryBody(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid query id"})
	}

	row, err := h.Recorder.RequestLogByID(uint(id))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "request body not found"})
	}
	if row.FilePath == "" {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "request body not found"})
	}

	raw, err := h.Archive.Read(row.FilePath)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "archived body no longer exists"})
	}

	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return c.JSON(http.StatusOK, map[string]string{"raw": string(raw)})
	}
	return c.JSON(http.StatusOK, parsed)
}
