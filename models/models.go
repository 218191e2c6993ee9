package models

import (
	"time"
)

// Usage is one token-accounting event for a completed upstream call.
// Timestamps are stored in UTC; rendering in local time is the dashboard's
// concern.
type Usage struct {
	ID               uint      `gorm:"primaryKey"`
	Timestamp        time.Time `gorm:"index"`
	ClientIP         string
	KeyIndex         int
	Model            string
	Path             string
	PromptTokens     int
	CompletionTokens int
}

// RequestLog is one proxied client request, created before dispatch and
// updated with token counts once the response stream finishes. FilePath
// points at the gzipped request body in the on-disk archive.
type RequestLog struct {
	ID               uint      `gorm:"primaryKey"`
	Timestamp        time.Time `gorm:"index"`
	ClientIP         string
	Method           string
	Endpoint         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	FilePath         string
}
