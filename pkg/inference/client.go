// Package inference is the client for the remote generation endpoint.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nimbusd/pkg/logger"
	"nimbusd/pkg/models"
)

// ErrUnauthorized is returned when the endpoint rejects our credentials.
// It is distinct from transient model failures so callers can tell a
// misconfigured deployment from a flaky upstream.
var ErrUnauthorized = errors.New("inference endpoint rejected credentials")

const (
	// DefaultModel is used when a submission names no model.
	DefaultModel = "aviyon1.2"

	defaultTimeout = 30 * time.Second
)

// Request is one generation call. Context carries prior conversation
// rendered as text; Files are forwarded verbatim.
type Request struct {
	Message string              `json:"message"`
	Context string              `json:"context,omitempty"`
	Model   string              `json:"model"`
	Files   []models.Attachment `json:"files,omitempty"`
}

// Response is the endpoint's answer.
type Response struct {
	Response string `json:"response"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Client talks to the generation endpoint over HTTP/JSON.
type Client struct {
	endpoint   string
	token      string
	model      string
	httpClient *http.Client
}

// NewClient creates a client for the given endpoint. token may be empty;
// model and timeout fall back to defaults when zero.
func NewClient(endpoint, token, model string, timeout time.Duration) *Client {
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		token:      token,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Model returns the default model identifier used when requests name none.
func (c *Client) Model() string { return c.model }

// Generate sends the request and returns the full response text. The
// response is all-or-nothing; no partial text is ever returned. Auth
// rejections surface as ErrUnauthorized; everything else is a plain error.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("no inference endpoint configured")
	}
	if req.Model == "" {
		req.Model = c.model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logger.Error("inference_request_failed", "model", req.Model, "error", err)
		return "", fmt.Errorf("failed to reach inference endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		logger.Error("inference_unauthorized", "status", resp.StatusCode)
		return "", ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		var eb errorBody
		if err := json.Unmarshal(respBody, &eb); err == nil && eb.Error != "" {
			return "", fmt.Errorf("inference error [%d]: %s", resp.StatusCode, eb.Error)
		}
		return "", fmt.Errorf("inference error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if result.Response == "" {
		return "", fmt.Errorf("inference returned empty response")
	}
	logger.Debug("inference_ok", "model", req.Model, "duration_ms", time.Since(start).Milliseconds())
	return result.Response, nil
}
