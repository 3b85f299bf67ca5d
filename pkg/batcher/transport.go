package batcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Batch is one submission. ID correlates retries of the same batch in
// server logs.
type Batch struct {
	ID     string
	Events []Event
}

// Transport delivers batches to the submission endpoint.
type Transport interface {
	// Send submits a batch. A *RejectedError means the server refused the
	// batch itself and retrying cannot help; any other error is retriable.
	Send(ctx context.Context, batch Batch) error
	// Beacon submits a batch fire-and-forget during teardown. It is never
	// retried.
	Beacon(ctx context.Context, batch Batch) error
}

// RejectedError is a non-retriable refusal (too large, malformed).
type RejectedError struct {
	Status int
	// Max and Received are set when the server reports payload_too_large.
	Max      int
	Received int
	Body     string
}

func (e *RejectedError) Error() string {
	if e.Max > 0 {
		return fmt.Sprintf("batch rejected with status %d: %d events exceed max %d", e.Status, e.Received, e.Max)
	}
	return fmt.Sprintf("batch rejected with status %d: %s", e.Status, e.Body)
}

// BatchIDHeader carries Batch.ID.
const BatchIDHeader = "X-Batch-ID"

// HTTPTransport posts batches to the submission endpoint.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTP creates a new HTTP transport
func NewHTTP(endpoint string) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type submitPayload struct {
	Events []Event `json:"events"`
}

// Send posts the batch as application/json.
func (t *HTTPTransport) Send(ctx context.Context, batch Batch) error {
	resp, err := t.post(ctx, batch, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if retriable(resp.StatusCode) {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	rejected := &RejectedError{Status: resp.StatusCode, Body: string(body)}
	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		var tooLarge struct {
			Max      int `json:"max"`
			Received int `json:"received"`
		}
		if json.Unmarshal(body, &tooLarge) == nil {
			rejected.Max, rejected.Received = tooLarge.Max, tooLarge.Received
		}
	}
	return rejected
}

// Beacon posts the batch as text/plain, the content type browsers use for
// beacons. The response status is ignored.
func (t *HTTPTransport) Beacon(ctx context.Context, batch Batch) error {
	resp, err := t.post(ctx, batch, "text/plain;charset=UTF-8")
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (t *HTTPTransport) post(ctx context.Context, batch Batch, contentType string) (*http.Response, error) {
	if len(batch.Events) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	jsonData, err := json.Marshal(submitPayload{Events: batch.Events})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if batch.ID != "" {
		req.Header.Set(BatchIDHeader, batch.ID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func retriable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}
