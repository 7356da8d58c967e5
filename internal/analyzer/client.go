// Package analyzer wraps the external forensic/OCR service. The service does
// the actual verification work; this client only carries the request/response
// contract and classifies the ways the call can fail.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Failure classes. The orchestrator maps these onto user-facing messages, so
// they must stay distinguishable.
var (
	// ErrTimeout: the analysis did not finish within the configured window.
	ErrTimeout = errors.New("analyzer call timed out")
	// ErrUnavailable: connection refused, DNS failure, or similar transport
	// problem before any analysis started.
	ErrUnavailable = errors.New("analyzer unavailable")
)

// RejectedError is a non-2xx response from the analyzer. Message carries the
// upstream error body when one was present.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("analyzer rejected the request (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("analyzer rejected the request (%d)", e.StatusCode)
}

// Client is a timeout-bounded HTTP client for the analyzer service.
type Client struct {
	client  *http.Client
	baseURL string
}

// New creates a new analyzer client. Forensic analysis is expensive, so the
// timeout is expected to be measured in minutes.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type analyzeRequest struct {
	ImageURL string `json:"imageUrl"`
	JobID    string `json:"jobId"`
}

// Analyze submits a receipt image for forensic analysis and returns the raw
// result object. The response schema is deliberately not forced into a struct:
// the sanitizer decides what survives into the persisted summary.
func (c *Client) Analyze(ctx context.Context, jobID, imageURL string) (map[string]any, error) {
	body, err := json.Marshal(analyzeRequest{ImageURL: imageURL, JobID: jobID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/analyze", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RejectedError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(resp.Body),
		}
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &RejectedError{
			StatusCode: resp.StatusCode,
			Message:    "analyzer returned an unreadable response",
		}
	}
	return result, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ErrTimeout
	}
	// Everything else at the transport layer (refused, DNS, reset) means the
	// service cannot be reached right now.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// extractErrorMessage pulls a human-readable message out of an error body, if
// the analyzer sent one. Both {"error": "..."} and {"message": "..."} shapes
// are accepted.
func extractErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}
