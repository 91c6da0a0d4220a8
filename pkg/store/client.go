package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tabflow/tabflow/internal/model"
	"github.com/tabflow/tabflow/pkg/errors"
)

// Client talks to the persistence API over HTTP. Responses map onto the
// error taxonomy: 4xx is a non-retryable request error, 5xx and transport
// failures (timeouts included) are transient and retryable.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// InsertRows batch-inserts rows into a dataset.
func (c *Client) InsertRows(ctx context.Context, dataset string, rows []model.Row) error {
	body := map[string]interface{}{"rows": rows}
	return c.do(ctx, http.MethodPost, "/tables/"+url.PathEscape(dataset)+"/rows", body, nil)
}

// QueryWindow fetches rows in [start, end) with an optional projection.
func (c *Client) QueryWindow(ctx context.Context, dataset, tsColumn, start, end string, columns []string) ([]string, []model.Row, error) {
	q := url.Values{}
	q.Set("start_time", start)
	q.Set("end_time", end)
	q.Set("timestamp_column", tsColumn)
	if len(columns) > 0 {
		q.Set("columns", strings.Join(columns, ","))
	}

	var resp struct {
		Columns []string    `json:"columns"`
		Rows    []model.Row `json:"rows"`
	}
	path := "/tables/" + url.PathEscape(dataset) + "/rows?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Columns, resp.Rows, nil
}

// DeleteWindow removes rows in [start, end). Administrative operation.
func (c *Client) DeleteWindow(ctx context.Context, dataset, tsColumn, start, end string) (int64, error) {
	q := url.Values{}
	q.Set("start_time", start)
	q.Set("end_time", end)
	q.Set("timestamp_column", tsColumn)

	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	path := "/tables/" + url.PathEscape(dataset) + "/rows?" + q.Encode()
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

// WasIngested checks the ingestion log for a prior full load of a file.
func (c *Client) WasIngested(ctx context.Context, dataset, filename string) (bool, error) {
	q := url.Values{}
	q.Set("dataset", dataset)
	q.Set("filename", filename)

	var resp struct {
		Ingested bool `json:"ingested"`
	}
	if err := c.do(ctx, http.MethodGet, "/tables/ingestion_log/rows?"+q.Encode(), nil, &resp); err != nil {
		return false, err
	}
	return resp.Ingested, nil
}

// RecordIngestion writes one ingestion-log entry for a fully loaded file.
func (c *Client) RecordIngestion(ctx context.Context, dataset, filename string) error {
	body := map[string]interface{}{
		"rows": []IngestionEntry{{Filename: filename, Dataset: dataset}},
	}
	return c.do(ctx, http.MethodPost, "/tables/ingestion_log/rows", body, nil)
}

// SubmitJob submits a report job. Identical idempotency keys return the
// same job id.
func (c *Client) SubmitJob(ctx context.Context, req JobRequest) (string, JobStatus, error) {
	var resp struct {
		JobID  string    `json:"job_id"`
		Status JobStatus `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/reports/jobs", req, &resp); err != nil {
		return "", "", err
	}
	return resp.JobID, resp.Status, nil
}

// GetJob fetches the current status of a job.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/reports/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs fetches all jobs, newest first.
func (c *Client) ListJobs(ctx context.Context) ([]*Job, error) {
	var resp struct {
		Jobs []*Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/reports/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// do performs one request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.CodeRequestRejected, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, errors.CodeRequestRejected, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failure or timeout: retryable, same as a 5xx.
		return errors.Wrap(err, errors.CodeTimeout, "request failed").
			WithContext("path", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.ServiceUnavailable(resp.StatusCode).WithContext("path", path)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.RequestRejected(resp.StatusCode, string(data)).WithContext("path", path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, errors.CodeUnknown, "decode %s response", path)
		}
	}
	return nil
}
