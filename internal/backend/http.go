package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/entitlekit/entitlekit-go/internal/entitlement"
)

const defaultHTTPTimeout = 30 * time.Second

const maxResponseBodyBytes int64 = 4 * 1024 * 1024

// ClientConfig configures the HTTP backend client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// APIError represents an HTTP-level error from the subscription backend.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend request %s %s failed: status=%d code=%s message=%q", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend request %s %s failed: status=%d", e.Method, e.Path, e.StatusCode)
}

// HTTPClient is a thin HTTP wrapper around the subscription backend REST
// API. GET responses are cached by ETag so unchanged snapshots cost a 304.
type HTTPClient struct {
	config     ClientConfig
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger

	etagMu sync.Mutex
	etags  map[string]etagEntry
}

type etagEntry struct {
	etag string
	body []byte
}

// NewHTTPClient creates a backend client.
func NewHTTPClient(config ClientConfig, logger zerolog.Logger) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("backend api key is required")
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &HTTPClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		logger:     logger,
		etags:      make(map[string]etagEntry),
	}, nil
}

type subscriberResponse struct {
	Subscriber *entitlement.Snapshot `json:"subscriber"`
}

type identifyRequest struct {
	AppUserID    string `json:"app_user_id"`
	NewAppUserID string `json:"new_app_user_id"`
}

type aliasRequest struct {
	NewAppUserID string `json:"new_app_user_id"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FetchSnapshot retrieves the current entitlement snapshot for appUserID.
func (c *HTTPClient) FetchSnapshot(ctx context.Context, appUserID string) (*entitlement.Snapshot, error) {
	path := "/v1/subscribers/" + url.PathEscape(appUserID)
	body, _, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeSubscriber(body, http.MethodGet, path)
}

// LogIn merges purchase history from currentID into newID.
func (c *HTTPClient) LogIn(ctx context.Context, currentID, newID string) (*entitlement.Snapshot, bool, error) {
	path := "/v1/subscribers/identify"
	payload := identifyRequest{AppUserID: currentID, NewAppUserID: newID}
	body, status, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, false, err
	}
	snapshot, err := decodeSubscriber(body, http.MethodPost, path)
	if err != nil {
		return nil, false, err
	}
	return snapshot, status == http.StatusCreated, nil
}

// CreateAlias links newAlias to appUserID.
func (c *HTTPClient) CreateAlias(ctx context.Context, appUserID, newAlias string) error {
	path := "/v1/subscribers/" + url.PathEscape(appUserID) + "/alias"
	_, _, err := c.do(ctx, http.MethodPost, path, aliasRequest{NewAppUserID: newAlias})
	return err
}

// ClearServerSideCaches drops all stored ETags, forcing the next GET for any
// user to be unconditional. Called on identity transitions so a new user
// never sees a 304 keyed to the old user's state.
func (c *HTTPClient) ClearServerSideCaches() {
	c.etagMu.Lock()
	defer c.etagMu.Unlock()
	c.etags = make(map[string]etagEntry)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", ulid.Make().String())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var cached etagEntry
	if method == http.MethodGet {
		c.etagMu.Lock()
		cached = c.etags[path]
		c.etagMu.Unlock()
		if cached.etag != "" {
			req.Header.Set("If-None-Match", cached.etag)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("backend request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("backend response read failed: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Backend request")

	if method == http.MethodGet && resp.StatusCode == http.StatusNotModified && cached.etag != "" {
		return cached.body, http.StatusOK, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
		}
		var parsed errorResponse
		if json.Unmarshal(body, &parsed) == nil {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Message
		}
		return nil, resp.StatusCode, apiErr
	}

	if method == http.MethodGet {
		if etag := resp.Header.Get("ETag"); etag != "" {
			c.etagMu.Lock()
			c.etags[path] = etagEntry{etag: etag, body: body}
			c.etagMu.Unlock()
		}
	}

	return body, resp.StatusCode, nil
}

func decodeSubscriber(body []byte, method, path string) (*entitlement.Snapshot, error) {
	var parsed subscriberResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("backend response %s %s undecodable: %w", method, path, err)
	}
	if parsed.Subscriber == nil {
		return nil, fmt.Errorf("backend response %s %s missing subscriber", method, path)
	}
	return parsed.Subscriber, nil
}
