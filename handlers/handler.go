package handlers

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/example/ollamaproxy/config"
	"github.com/example/ollamaproxy/healthcheck"
	"github.com/example/ollamaproxy/keypool"
	"github.com/example/ollamaproxy/logging"
	"github.com/example/ollamaproxy/services"
	"github.com/example/ollamaproxy/usage"
)

type Handler struct {
	Config   *config.Config
	Keys     *keypool.Table
	Upstream *services.UpstreamService
	Recorder *usage.Recorder
	Archive  *usage.Archive
	Checker  *healthcheck.Checker
	LogBuf   *logging.RingBufferHook
	Log      *logrus.Logger

	// rateLimits holds the latest X-Ratelimit-* headers seen per key.
	rlMu       sync.Mutex
	rateLimits map[string]map[string]string
}

func NewHandler(cfg *config.Config, keys *keypool.Table, upstream *services.UpstreamService,
	recorder *usage.Recorder, archive *usage.Archive, checker *healthcheck.Checker,
	logBuf *logging.RingBufferHook, log *logrus.Logger) *Handler {
	return &Handler{
		Config:     cfg,
		Keys:       keys,
		Upstream:   upstream,
		Recorder:   recorder,
		Archive:    archive,
		Checker:    checker,
		LogBuf:     logBuf,
		Log:        log,
		rateLimits: make(map[string]map[string]string),
	}
}
