package services

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// maxErrorBody bounds how much of a non-2xx upstream body is buffered for
// relay to the client.
const maxErrorBody = 8 * 1024

// hopByHopHeaders are connection-scoped and must not cross the proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// UpstreamService issues calls to the remote inference API. One instance is
// shared by the whole process: recreating the client per request (or per
// retry) breaks connection pooling and makes long streaming responses
// terminate early.
type UpstreamService struct {
	BaseURL string
	// Client carries no global timeout so response streams can run for
	// minutes; connection establishment is bounded on the transport.
	Client *http.Client
	// Timeout bounds probes, where a hung request is worse than a miss.
	Timeout time.Duration
	Log     *logrus.Logger
}

func NewUpstreamService(baseURL string, timeout time.Duration, log *logrus.Logger) *UpstreamService {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
	}
	return &UpstreamService{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Transport: transport},
		Timeout: timeout,
		Log:     log,
	}
}

// CleanPath normalizes a client-supplied path for the upstream API. Paths
// already under api/ or v1/ pass through verbatim; everything else gains the
// api/ prefix. The prefix is never doubled.
func CleanPath(path string) string {
	p := strings.TrimPrefix(path, "/")
	if p == "" || p == "api" {
		return "api"
	}
	if strings.HasPrefix(p, "api/") || p == "v1" || strings.HasPrefix(p, "v1/") {
		return p
	}
	return "api/" + p
}

// Result is the outcome of a single upstream attempt. For 2xx responses Body
// is an open stream the caller must close; for anything else the body has
// already been consumed into ErrorBody (bounded) and closed.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	ErrorBody  []byte
	Latency    time.Duration
}

// Forward issues one call with the chosen key. The request body is a finite
// buffer already read from the client, so it can be replayed across retries.
// The returned error covers local failures only (dial, TLS, header read);
// any received status, 2xx or not, comes back as a Result.
func (s *UpstreamService) Forward(ctx context.Context, key, method, cleanPath, rawQuery string, header http.Header, body []byte) (*Result, error) {
	url := s.BaseURL + "/" + cleanPath
	if rawQuery != "" {
		url += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyForwardHeaders(req.Header, header)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Host = req.URL.Host

	start := time.Now()
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
			Latency:    latency,
		}, nil
	}

	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	if readErr != nil {
		s.Log.Debugf("upstream: error body read failed for status %d: %v", resp.StatusCode, readErr)
	}
	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		ErrorBody:  errBody,
		Latency:    latency,
	}, nil
}

// Probe issues the cheap health-check call for one key: an authenticated GET
// against the model listing endpoint. Returns the upstream status code.
func (s *UpstreamService) Probe(ctx context.Context, key string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/api/tags", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return resp.StatusCode, nil
}

// copyForwardHeaders copies the client's headers minus hop-by-hop headers,
// anything named by the client's Connection header, and its Authorization
// (which carried the proxy token, not an upstream credential).
func copyForwardHeaders(dst, src http.Header) {
	dropped := map[string]bool{"Authorization": true, "Host": true}
	for _, h := range hopByHopHeaders {
		dropped[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name)); name != "" {
				dropped[name] = true
			}
		}
	}
	for name, values := range src {
		if dropped[textproto.CanonicalMIMEHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// StripHopByHop removes hop-by-hop headers from an upstream response header
// set before it is relayed to the client.
func StripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
