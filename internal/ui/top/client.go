package top

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/orchestration/pool"
	"github.com/zjrosen/gaffer/internal/orchestration/scheduler"
)

// requestTimeout bounds one poll round trip. The daemon is local, so a
// slow answer means it is wedged, not far away.
const requestTimeout = 2 * time.Second

// Client is a minimal REST client for the daemon's status surfaces.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client against the daemon address, e.g.
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// Snapshot is one poll of the daemon: scheduler status, the worker
// fleet, and the ready slice of the work item queue.
type Snapshot struct {
	Status scheduler.Status
	Fleet  pool.Snapshot
	Ready  []*domain.WorkItem
}

// Fetch polls the three status endpoints.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := c.get(ctx, "/api/status", &snap.Status); err != nil {
		return snap, err
	}
	if err := c.get(ctx, "/api/workers", &snap.Fleet); err != nil {
		return snap, err
	}
	var ready struct {
		Items []*domain.WorkItem `json:"items"`
	}
	if err := c.get(ctx, "/api/work-items?status=ready", &ready); err != nil {
		return snap, err
	}
	snap.Ready = ready.Items
	return snap, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
