package usage

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Archive stores raw client request bodies as gzipped blobs on disk, laid
// out as <base>/requests/<client-ip>/<YYYY-MM-DD>/<ts>_<uuid>.json.gz.
// Writes are best-effort: a failed archive never blocks a usage event.
type Archive struct {
	BaseDir string
	Log     *logrus.Logger
}

func NewArchive(baseDir string, log *logrus.Logger) *Archive {
	return &Archive{BaseDir: baseDir, Log: log}
}

// Store compresses the body to disk and returns the blob's path under
// BaseDir, or "" when the write failed.
func (a *Archive) Store(clientIP string, body []byte, now time.Time) string {
	safeIP := strings.ReplaceAll(clientIP, ":", "_")
	now = now.UTC()
	dir := filepath.Join(a.BaseDir, "requests", safeIP, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.Log.Warnf("archive: cannot create %s: %v", dir, err)
		return ""
	}

	name := fmt.Sprintf("%s_%s.json.gz", now.Format("20060102T150405"), uuid.New().String())
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		a.Log.Warnf("archive: cannot create blob %s: %v", path, err)
		return ""
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(body); err != nil {
		a.Log.Warnf("archive: write failed for %s: %v", path, err)
		gz.Close()
		return ""
	}
	if err := gz.Close(); err != nil {
		a.Log.Warnf("archive: close failed for %s: %v", path, err)
		return ""
	}
	return path
}

// Read decompresses an archived blob.
func (a *Archive) Read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
