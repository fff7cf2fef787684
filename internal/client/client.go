// Package client talks to a running compound server.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/lazypower/compound/internal/engine"
	"github.com/lazypower/compound/internal/model"
)

const (
	defaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 30 * time.Second
)

// Client is a typed HTTP client for the compound API.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. Empty falls back to $COMPOUND_URL,
// then http://127.0.0.1:37780.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("COMPOUND_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// Ingest stores one entry for userID.
func (c *Client) Ingest(ctx context.Context, userID string, req model.IngestRequest) (*model.IngestResponse, error) {
	var out model.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/memory/ingest", userID, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Retrieve assembles context for a query.
func (c *Client) Retrieve(ctx context.Context, userID string, req model.RetrieveRequest) (*model.RetrievedContext, error) {
	var out model.RetrievedContext
	if err := c.do(ctx, http.MethodPost, "/api/context/retrieve", userID, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats fetches a user's memory statistics.
func (c *Client) Stats(ctx context.Context, userID string) (*model.MemoryStats, error) {
	var out model.MemoryStats
	if err := c.do(ctx, http.MethodGet, "/api/memory/stats", userID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Compact runs a compounding pass for userID on the server.
func (c *Client) Compact(ctx context.Context, userID string, opts engine.CompactOptions) (*model.CompactResult, error) {
	q := url.Values{}
	q.Set("remove_stale", fmt.Sprint(opts.RemoveStale))
	q.Set("merge_duplicates", fmt.Sprint(opts.MergeDuplicates))
	var out model.CompactResult
	if err := c.do(ctx, http.MethodPost, "/api/memory/compact", userID, q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(ctx context.Context, method, path, userID string, q url.Values, in, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("user_id", userID)

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path+"?"+q.Encode(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// decodeError turns an {"error","type"} body back into an *engine.Error.
func decodeError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Type == "" {
		return &engine.Error{
			Kind:    engine.KindInternal,
			Message: fmt.Sprintf("status %d: %s", status, bytes.TrimSpace(data)),
		}
	}
	return &engine.Error{Kind: body.Type, Message: body.Error}
}
