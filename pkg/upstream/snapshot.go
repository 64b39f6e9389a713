package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/viewtail/viewtail/pkg/models"
)

// Snapshotter fetches the current full state of a physical view through the
// upstream's one-shot HTTP query endpoint. Transient failures are retried a
// bounded number of times; a final failure is surfaced to the requesting
// session only.
type Snapshotter struct {
	baseURL  string
	syncPath string
	token    string
	client   *retryablehttp.Client
}

// NewSnapshotter creates a snapshot client for GET <httpURL>/<syncPath>/<view>.
func NewSnapshotter(httpURL, syncPath, token string) *Snapshotter {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	if syncPath == "" {
		syncPath = "sync"
	}

	return &Snapshotter{
		baseURL:  strings.TrimRight(httpURL, "/"),
		syncPath: strings.Trim(syncPath, "/"),
		token:    token,
		client:   rc,
	}
}

type snapshotResponse struct {
	Collection string          `json:"collection"`
	Data       []models.Record `json:"data"`
}

// Fetch returns the view's current records.
func (s *Snapshotter) Fetch(ctx context.Context, view string) ([]models.Record, error) {
	started := time.Now()

	target := fmt.Sprintf("%s/%s/%s", s.baseURL, s.syncPath, url.PathEscape(view))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		snapshotFetchesCounter.WithLabelValues(view, "error").Inc()
		return nil, fmt.Errorf("snapshot query for %s failed: %w", view, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snapshotFetchesCounter.WithLabelValues(view, "error").Inc()
		return nil, fmt.Errorf("snapshot query for %s returned status %d", view, resp.StatusCode)
	}

	var body snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		snapshotFetchesCounter.WithLabelValues(view, "error").Inc()
		return nil, fmt.Errorf("failed to decode snapshot response for %s: %w", view, err)
	}

	snapshotFetchesCounter.WithLabelValues(view, "ok").Inc()
	snapshotFetchDurationHistogram.WithLabelValues(view).Observe(time.Since(started).Seconds())

	if body.Data == nil {
		return []models.Record{}, nil
	}
	return body.Data, nil
}
