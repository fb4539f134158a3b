package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"compute-queue/internal/models"
)

// StatusError is a non-2xx response from the job API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

// Client talks to a running job server.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit queues a job and returns its id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (c *Client) Job(ctx context.Context, id string) (models.View, error) {
	var view models.View
	err := c.do(ctx, http.MethodGet, "/api/job/"+url.PathEscape(id), nil, &view)
	return view, err
}

func (c *Client) List(ctx context.Context) ([]models.View, error) {
	var views []models.View
	err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &views)
	return views, err
}

// Status returns the status text. Unknown jobs yield "Job Not Found" and no error.
func (c *Client) Status(ctx context.Context, id string) (string, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/job/"+url.PathEscape(id)+"/status", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return "", &StatusError{Code: resp.StatusCode, Message: string(data)}
	}
	return string(data), nil
}

// Result downloads one output artifact ("primary" or "secondary") together
// with the file name suggested by the server.
func (c *Client) Result(ctx context.Context, id, artifact string) ([]byte, string, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/job/"+url.PathEscape(id)+"/result/"+url.PathEscape(artifact), nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read result: %w", err)
	}
	var filename string
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		filename = params["filename"]
	}
	return data, filename, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var msg messageResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(data, &msg); err != nil || msg.Message == "" {
		msg.Message = strings.TrimSpace(string(data))
	}
	return &StatusError{Code: resp.StatusCode, Message: msg.Message}
}
