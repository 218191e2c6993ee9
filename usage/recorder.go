package usage

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/example/ollamaproxy/keypool"
	"github.com/example/ollamaproxy/models"
)

// HintWindow is how far back the selector's load-balance hint looks.
const HintWindow = 2 * time.Hour

// Event is one usage-accounting record handed to the recorder after an
// upstream call completes.
type Event struct {
	KeyIndex         int
	Model            string
	ClientIP         string
	PromptTokens     int
	CompletionTokens int
	Path             string
	Timestamp        time.Time
	RequestLogID     uint // 0 when no request log row exists
}

// Recorder persists usage events and serves the aggregation queries behind
// the stats endpoints. Failures here are logged and swallowed: accounting
// must never affect a client response.
type Recorder struct {
	DB  *gorm.DB
	Log *logrus.Logger
}

func NewRecorder(db *gorm.DB, log *logrus.Logger) *Recorder {
	return &Recorder{DB: db, Log: log}
}

// Record writes the usage row and, when a request log row was created up
// front, fills in its model and token counts.
func (r *Recorder) Record(ev Event) {
	row := models.Usage{
		Timestamp:        ev.Timestamp.UTC(),
		ClientIP:         ev.ClientIP,
		KeyIndex:         ev.KeyIndex,
		Model:            ev.Model,
		Path:             ev.Path,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
	}
	if err := r.DB.Create(&row).Error; err != nil {
		r.Log.Warnf("usage: failed to record event for key %d: %v", ev.KeyIndex, err)
	}

	if ev.RequestLogID != 0 {
		err := r.DB.Model(&models.RequestLog{}).Where("id = ?", ev.RequestLogID).Updates(map[string]interface{}{
			"model":             ev.Model,
			"prompt_tokens":     ev.PromptTokens,
			"completion_tokens": ev.CompletionTokens,
		}).Error
		if err != nil {
			r.Log.Warnf("usage: failed to update request log %d: %v", ev.RequestLogID, err)
		}
	}
}

// CreateRequestLog inserts the initial per-request row before dispatch and
// returns its ID, or 0 on failure.
func (r *Recorder) CreateRequestLog(clientIP, method, endpoint, filePath string, now time.Time) uint {
	row := models.RequestLog{
		Timestamp: now.UTC(),
		ClientIP:  clientIP,
		Method:    method,
		Endpoint:  endpoint,
		Model:     "pending",
		FilePath:  filePath,
	}
	if err := r.DB.Create(&row).Error; err != nil {
		r.Log.Warnf("usage: failed to create request log: %v", err)
		return 0
	}
	return row.ID
}

// UsageByKey returns tokens consumed per key since the cutoff, feeding the
// selector's load-balance hint. A query failure yields a nil hint.
func (r *Recorder) UsageByKey(since time.Time) keypool.UsageHint {
	var rows []struct {
		KeyIndex int
		Total    int64
	}
	err := r.DB.Model(&models.Usage{}).
		Select("key_index, SUM(prompt_tokens + completion_tokens) AS total").
		Where("timestamp >= ?", since.UTC()).
		Group("key_index").
		Scan(&rows).Error
	if err != nil {
		r.Log.Warnf("usage: hint query failed: %v", err)
		return nil
	}

	hint := make(keypool.UsageHint, len(rows))
	for _, row := range rows {
		hint[row.KeyIndex] = row.Total
	}
	return hint
}

// HourlyStat is one row of the /stats aggregation.
type HourlyStat struct {
	Bucket           string `json:"bucket"`
	ClientIP         string `json:"client_ip"`
	KeyIndex         int    `json:"key_index"`
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// HourlyStats aggregates usage by hour bucket, client, key and model.
func (r *Recorder) HourlyStats() ([]HourlyStat, error) {
	rows := []HourlyStat{}
	err := r.DB.Raw(`
		SELECT
			strftime('%Y-%m-%dT%H:00:00Z', timestamp) AS bucket,
			client_ip,
			key_index,
			model,
			COUNT(*) AS requests,
			SUM(prompt_tokens) AS prompt_tokens,
			SUM(completion_tokens) AS completion_tokens
		FROM usages
		GROUP BY bucket, client_ip, key_index, model
		ORDER BY bucket DESC
	`).Scan(&rows).Error
	return rows, err
}

// MinuteStat is one row of the /stats/minute aggregation.
type MinuteStat struct {
	Minute      string `json:"minute"`
	Model       string `json:"model"`
	TotalTokens int64  `json:"total_tokens"`
}

// MinuteStats aggregates token totals per minute and model since the cutoff.
func (r *Recorder) MinuteStats(since time.Time) ([]MinuteStat, error) {
	rows := []MinuteStat{}
	err := r.DB.Raw(`
		SELECT
			strftime('%Y-%m-%dT%H:%M:00Z', timestamp) AS minute,
			model,
			SUM(prompt_tokens + completion_tokens) AS total_tokens
		FROM usages
		WHERE timestamp >= ?
		GROUP BY minute, model
		ORDER BY minute ASC
	`, since.UTC()).Scan(&rows).Error
	return rows, err
}

// HourTotal is one row of the /stats/24h aggregation.
type HourTotal struct {
	HourBucket  string `json:"hour_bucket"`
	TotalTokens int64  `json:"total_tokens"`
}

// Stats24h aggregates token totals per hour since the cutoff.
func (r *Recorder) Stats24h(since time.Time) ([]HourTotal, error) {
	rows := []HourTotal{}
	err := r.DB.Raw(`
		SELECT
			strftime('%Y-%m-%dT%H:00:00Z', timestamp) AS hour_bucket,
			SUM(prompt_tokens + completion_tokens) AS total_tokens
		FROM usages
		WHERE timestamp >= ?
		GROUP BY hour_bucket
		ORDER BY hour_bucket ASC
	`, since.UTC()).Scan(&rows).Error
	return rows, err
}

// Queries returns individual request logs, newest first, with optional
// client IP and model filters.
func (r *Recorder) Queries(limit, offset int, ip, model string) ([]models.RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.DB.Model(&models.RequestLog{})
	if ip != "" {
		q = q.Where("client_ip = ?", ip)
	}
	if model != "" {
		q = q.Where("model = ?", model)
	}
	rows := []models.RequestLog{}
	err := q.Order("timestamp DESC").Limit(limit).Offset(offset).Find(&rows).Error
	return rows, err
}

// RequestLogByID fetches one request log row.
func (r *Recorder) RequestLogByID(id uint) (*models.RequestLog, error) {
	var row models.RequestLog
	if err := r.DB.First(&row, id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}
