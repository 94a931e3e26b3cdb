package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hearthware/homesync/internal/protocol"
)

// Transport sends one batch to the ingestion endpoint.
type Transport interface {
	Send(ctx context.Context, req protocol.BatchRequest) (*protocol.BatchResponse, error)
}

// HTTPTransport is the production Transport over POST /sync. Failures come
// back pre-classified (NetworkError, AuthError, ValidationError,
// ServerError) so the worker only routes, never inspects status codes.
type HTTPTransport struct {
	baseURL    string
	token      func(ctx context.Context) (string, error)
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPTransport creates a transport for the given server. token supplies
// the bearer token per request, so refreshed credentials are picked up
// without rebuilding the transport.
func NewHTTPTransport(baseURL string, token func(ctx context.Context) (string, error), logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With("component", "transport"),
	}
}

// Send posts the batch and classifies the outcome.
func (t *HTTPTransport) Send(ctx context.Context, req protocol.BatchRequest) (*protocol.BatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if t.token != nil {
		tok, err := t.token(ctx)
		if err != nil {
			return nil, &AuthError{Message: fmt.Sprintf("obtain token: %v", err)}
		}
		httpReq.Header.Set("Authorization", "Bearer "+tok)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer httpResp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: httpResp.StatusCode, Message: errorMessage(respBody)}
	case httpResp.StatusCode >= 500:
		return nil, &ServerError{StatusCode: httpResp.StatusCode, Message: errorMessage(respBody)}
	case httpResp.StatusCode >= 400:
		return nil, &ValidationError{StatusCode: httpResp.StatusCode, Message: errorMessage(respBody)}
	}

	var resp protocol.BatchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &ServerError{StatusCode: httpResp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	return &resp, nil
}

// errorMessage pulls the server's error field if the body is JSON, otherwise
// returns the raw (truncated) body.
func errorMessage(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
