package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/caevv/flightd/internal/server"
)

// Source supplies the dashboard's data.
type Source interface {
	Health(ctx context.Context) (*server.HealthResponse, error)
	Jobs(ctx context.Context) ([]server.JobSummary, error)
	Runs(ctx context.Context, jobID string, limit int) ([]server.RunRecord, error)
}

// Client reads an agent's status API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the status API listening on addr
// (host:port or a full http URL).
func NewClient(addr string) *Client {
	base := addr
	if u, err := url.Parse(addr); err != nil || u.Scheme == "" || u.Host == "" {
		base = "http://" + addr
	}
	return &Client{baseURL: base, http: &http.Client{Timeout: 5 * time.Second}}
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
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr server.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", path, apiErr.Message)
		}
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health returns the agent's health report.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var h server.HealthResponse
	if err := c.get(ctx, "/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Jobs returns the live jobs.
func (c *Client) Jobs(ctx context.Context) ([]server.JobSummary, error) {
	var jobs []server.JobSummary
	if err := c.get(ctx, "/api/jobs", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Runs returns recent runs, of one job when jobID is set.
func (c *Client) Runs(ctx context.Context, jobID string, limit int) ([]server.RunRecord, error) {
	path := "/api/runs"
	if jobID != "" {
		path = "/api/jobs/" + url.PathEscape(jobID) + "/runs"
	}
	var runs []server.RunRecord
	if err := c.get(ctx, path+"?limit="+strconv.Itoa(limit), &runs); err != nil {
		return nil, err
	}
	return runs, nil
}
