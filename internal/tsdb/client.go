package tsdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/ha-telemetry/ingestor/internal/perr"
)

// ClientConfig configures the HTTP client used to write line-protocol
// batches to the time-series store.
type ClientConfig struct {
	URL    string // base write endpoint, e.g. https://tsdb.local/api/v2/write
	Token  string
	Org    string
	Bucket string
}

// Client writes gzip-compressed line-protocol bodies to a TimeSeriesStore
// write endpoint, following the InfluxDB v2 write API shape.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient constructs a Client using httpClient, or a zero-value
// http.Client (no client-level timeout) if httpClient is nil.
func NewClient(cfg ClientConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

// Write POSTs lines (newline-separated line-protocol records) to the store.
// It classifies failures per spec §7: 401/403/400 are permanent
// (PersistenceError.Permanent == true, never retried); everything else
// (network errors, timeouts, 5xx) is transient.
func (c *Client) Write(ctx context.Context, lines []byte) error {
	var body bytes.Buffer
	gw := gzip.NewWriter(&body)
	if _, err := gw.Write(lines); err != nil {
		return &perr.PersistenceError{Store: "tsdb", Reason: "encode", Permanent: true, Cause: err}
	}
	if err := gw.Close(); err != nil {
		return &perr.PersistenceError{Store: "tsdb", Reason: "encode", Permanent: true, Cause: err}
	}

	url := fmt.Sprintf("%s?org=%s&bucket=%s", c.cfg.URL, c.cfg.Org, c.cfg.Bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return &perr.PersistenceError{Store: "tsdb", Reason: "build_request", Permanent: true, Cause: err}
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Authorization", "Token "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &perr.PersistenceError{Store: "tsdb", Reason: "transport", Permanent: false, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &perr.PersistenceError{Store: "tsdb", Reason: "schema", Permanent: true, Cause: cause}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &perr.PersistenceError{Store: "tsdb", Reason: "rejected", Permanent: true, Cause: cause}
	default:
		return &perr.PersistenceError{Store: "tsdb", Reason: "server_error", Permanent: false, Cause: cause}
	}
}
