package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"triggerhub/internal/constants"
	"triggerhub/pkg/circuitbreaker"
)

// APIClient issues JSON requests against a provider REST API. Calls run
// behind a circuit breaker that only counts retryable failures.
type APIClient struct {
	baseURL string
	name    string
	cb      *circuitbreaker.Wrapper
}

func NewAPIClient(name, baseURL string, cfg circuitbreaker.Config) *APIClient {
	if cfg.Name == "" {
		cfg.Name = name
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		name:    name,
		cb:      circuitbreaker.NewWrapper(cfg),
	}
}

func (c *APIClient) BaseURL() string { return c.baseURL }

// Do sends body as JSON and decodes the response into out when non-nil.
// The http.Client carries the caller's credential.
func (c *APIClient) Do(ctx context.Context, client *http.Client, method, path string, body, out interface{}) error {
	_, err := c.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, c.do(ctx, client, method, path, body, out)
	})
	if err != nil && circuitbreaker.IsOpenError(err) {
		return Transient(fmt.Errorf("circuit breaker is open for %s: %w", c.name, err))
	}
	return err
}

func (c *APIClient) do(ctx context.Context, client *http.Client, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if client == nil {
		client = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return Transient(fmt.Errorf("%s request failed: %w", c.name, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Transient(fmt.Errorf("failed to decode %s response: %w", c.name, err))
	}
	return nil
}

// StatusError is a non-2xx provider response. It classifies itself so the
// breaker and retry policy see the same verdict as ClassifyStatus.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned status %d", e.Code)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) IsRetryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Classified converts the status into the pipeline error taxonomy.
func (e *StatusError) Classified() error {
	return ClassifyStatus(e.Code, e)
}
