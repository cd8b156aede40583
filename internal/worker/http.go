package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPInvoker invokes a worker over HTTP: one JSON POST per request.
type HTTPInvoker struct {
	url    string
	client *http.Client
}

// NewHTTPInvoker creates an invoker posting to the given URL. Per-request
// deadlines come from the caller's context; the client itself has no
// timeout so the dispatcher stays in control.
func NewHTTPInvoker(url string) *HTTPInvoker {
	return &HTTPInvoker{
		url: url,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 0,
			},
		},
	}
}

// Invoke posts the request and parses the reply.
func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("worker call failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read worker response: %w", err)
	}

	if httpResp.StatusCode >= 500 {
		// Server-side failure is transient from the dispatcher's view.
		return Response{}, fmt.Errorf("worker returned %d: %s", httpResp.StatusCode, string(body))
	}
	if httpResp.StatusCode != http.StatusOK {
		return Response{}, &StructuralError{
			Raw:    string(body),
			Reason: fmt.Sprintf("unexpected status %d", httpResp.StatusCode),
		}
	}

	return ParseResponse(body)
}

// Close releases idle connections.
func (h *HTTPInvoker) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
