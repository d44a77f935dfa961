package deploy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProbeResult is the outcome of one health endpoint.
type ProbeResult struct {
	Path    string          `json:"path"`
	Status  int             `json:"status"`
	OK      bool            `json:"ok"`
	Latency time.Duration   `json:"latency"`
	Body    json.RawMessage `json:"body,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Probe checks /health and /ready on baseURL the way the scheduler does.
func Probe(ctx context.Context, client *http.Client, baseURL string) []ProbeResult {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := strings.TrimRight(baseURL, "/")
	results := make([]ProbeResult, 0, 2)
	for _, path := range []string{"/health", "/ready"} {
		results = append(results, probeOne(ctx, client, base+path, path))
	}
	return results
}

func probeOne(ctx context.Context, client *http.Client, url, path string) ProbeResult {
	res := ProbeResult{Path: path}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	resp, err := client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.OK = resp.StatusCode == http.StatusOK
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Valid(data) {
		res.Body = data
	}
	return res
}

// Healthy reports whether every probe passed.
func Healthy(results []ProbeResult) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return len(results) > 0
}
