package logging

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one captured log line, shaped for the dashboard's /logs view.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// RingBufferHook retains the most recent log entries in memory so the
// dashboard can show live server logs without touching the filesystem.
type RingBufferHook struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

func NewRingBufferHook(capacity int) *RingBufferHook {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBufferHook{capacity: capacity}
}

func (h *RingBufferHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *RingBufferHook) Fire(e *logrus.Entry) error {
	msg, err := e.String()
	if err != nil {
		msg = e.Message
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, Entry{
		Timestamp: e.Time.Format("15:04:05"),
		Level:     e.Level.String(),
		Message:   msg,
	})
	if len(h.entries) > h.capacity {
		h.entries = h.entries[len(h.entries)-h.capacity:]
	}
	return nil
}

// Entries returns a copy of the buffered log lines, oldest first.
func (h *RingBufferHook) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// New builds the process logger: level from config, full-timestamp text
// output, and a ring buffer hook backing the /logs endpoint.
func New(level string) (*logrus.Logger, *RingBufferHook) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.DateTime,
	})

	if parsed, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.Warnf("invalid LOG_LEVEL %q, falling back to info", level)
	}

	hook := NewRingBufferHook(1000)
	log.AddHook(hook)
	return log, hook
}

// SafeSuffix returns the last few characters of a secret for log messages.
// Full key material never reaches the logger.
func SafeSuffix(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "..." + s[len(s)-4:]
}
