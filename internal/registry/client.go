// Package registry is the pull-channel boundary: an HTTP client for the
// source-of-record host inventory. The core only sees the observations
// it produces.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vigilproject/vigil/internal/models"
)

const snapshotPath = "/v1/hosts"

// maxSnapshotBytes bounds a snapshot response; the expected population
// is tens to low hundreds of hosts.
const maxSnapshotBytes = 16 << 20

// HostState is one entry in the source-of-record snapshot.
type HostState struct {
	ID             string         `json:"id"`
	Hostname       string         `json:"hostname,omitempty"`
	ObservedAt     time.Time      `json:"observedAt,omitzero"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Decommissioned bool           `json:"decommissioned,omitempty"`
}

// Client fetches pull snapshots.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	nowFn      func() time.Time
}

// NewClient creates a Client for the given base URL. The per-request
// deadline comes from the caller's context; the client timeout is a
// backstop.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With().Str("component", "registry").Logger(),
		nowFn:  time.Now,
	}
}

// FetchSnapshot retrieves the full host inventory and maps each entry to
// a pull observation. Entries without an observation time are stamped
// with the fetch time.
func (c *Client) FetchSnapshot(ctx context.Context) ([]models.Observation, error) {
	url := c.baseURL + snapshotPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch snapshot: unexpected status %d from %s", resp.StatusCode, url)
	}

	var states []HostState
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err := dec.Decode(&states); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	fetchedAt := c.nowFn()
	observations := make([]models.Observation, 0, len(states))
	for _, st := range states {
		if st.ID == "" {
			c.logger.Warn().Msg("Snapshot entry without id skipped")
			continue
		}
		ts := st.ObservedAt
		if ts.IsZero() {
			ts = fetchedAt
		}
		attrs := st.Attributes
		if st.Hostname != "" {
			if attrs == nil {
				attrs = make(map[string]any, 1)
			}
			attrs["hostname"] = st.Hostname
		}
		observations = append(observations, models.Observation{
			HostID:     st.ID,
			Timestamp:  ts,
			Source:     models.SourcePull,
			Attributes: attrs,
			Terminated: st.Decommissioned,
		})
	}
	return observations, nil
}
