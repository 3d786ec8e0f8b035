package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/driftnote/driftnote/internal/note"
)

// ServerTimeSink receives the server clock observation carried on every
// successful response. The clock reconciler implements this.
type ServerTimeSink interface {
	UpdateFromServerTimestamp(iso string) error
}

// serverTimeHeader carries the server's current time on every response.
const serverTimeHeader = "X-Server-Time"

// Config holds HTTP transport configuration.
type Config struct {
	// BaseURL is the cloud API root, e.g. "https://api.example.com".
	BaseURL string

	// Token is the bearer credential for the current user.
	Token string

	// Clock receives server time observations. May be nil.
	Clock ServerTimeSink

	// HTTPClient overrides the default client (tests). Nil means a
	// client with a 30s timeout.
	HTTPClient *http.Client

	// Logger for transport activity. Nil means a stderr logger.
	Logger *log.Logger
}

// HTTPClient is the production Client implementation, speaking JSON
// over HTTPS with WebSocket realtime.
type HTTPClient struct {
	baseURL string
	token   string
	clock   ServerTimeSink
	http    *http.Client
	logger  *log.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTP transport.
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}

	return &HTTPClient{
		baseURL: config.BaseURL,
		token:   config.Token,
		clock:   config.Clock,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// conflictBody is the structured 409/412 response payload.
type conflictBody struct {
	Conflict struct {
		CurrentUpdatedAt time.Time `json:"current_updated_at"`
	} `json:"conflict"`
}

// updateRequest wraps the writable fields with the optimistic
// precondition.
type updateRequest struct {
	DocumentFields
	ExpectedUpdatedAt time.Time `json:"expected_updated_at"`
}

// Create implements Client.
func (c *HTTPClient) Create(ctx context.Context, fields DocumentFields) (*note.RemoteDocument, error) {
	var doc note.RemoteDocument
	if err := c.do(ctx, http.MethodPost, "/v1/documents", fields, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// List implements Client.
func (c *HTTPClient) List(ctx context.Context) ([]*note.RemoteDocument, error) {
	var docs []*note.RemoteDocument
	if err := c.do(ctx, http.MethodGet, "/v1/documents", nil, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Get implements Client.
func (c *HTTPClient) Get(ctx context.Context, id string) (*note.RemoteDocument, error) {
	var doc note.RemoteDocument
	if err := c.do(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Update implements Client.
func (c *HTTPClient) Update(ctx context.Context, id string, fields DocumentFields, expectedUpdatedAt time.Time) (*note.RemoteDocument, error) {
	req := updateRequest{DocumentFields: fields, ExpectedUpdatedAt: expectedUpdatedAt}

	var doc note.RemoteDocument
	if err := c.do(ctx, http.MethodPut, "/v1/documents/"+url.PathEscape(id), req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete implements Client.
func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/documents/"+url.PathEscape(id), nil, nil)
}

// do performs one request/response cycle, classifying failures and
// feeding the server-time header to the clock reconciler.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.observeServerTime(resp)
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response for %s: %w", op, err)
		}
		return nil

	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		var cb conflictBody
		if err := json.Unmarshal(data, &cb); err != nil {
			// A conflict without a parseable body still carries the
			// essential signal; the caller re-fetches anyway.
			c.logger.Printf("Conflict response with unreadable body for %s: %v", op, err)
		}
		return &ConflictError{DocumentID: lastPathSegment(path), CurrentUpdatedAt: cb.Conflict.CurrentUpdatedAt}

	case resp.StatusCode >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("server returned %d", resp.StatusCode)}

	default:
		return &ValidationError{Op: op, Status: resp.StatusCode, Detail: string(data)}
	}
}

func (c *HTTPClient) observeServerTime(resp *http.Response) {
	if c.clock == nil {
		return
	}
	if ts := resp.Header.Get(serverTimeHeader); ts != "" {
		if err := c.clock.UpdateFromServerTimestamp(ts); err != nil {
			c.logger.Printf("Ignoring bad server time header %q: %v", ts, err)
		}
	}
}

func lastPathSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			seg, err := url.PathUnescape(path[i+1:])
			if err != nil {
				return path[i+1:]
			}
			return seg
		}
	}
	return path
}
