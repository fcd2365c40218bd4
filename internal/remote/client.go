// Package remote is the HTTP client for the remote collection store and the auth service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
	jsonType       = "application/json"
)

var errMissingBaseURL = errors.New("remote: base url is required")

// TokenSource supplies the bearer token for an outgoing data request.
// An empty token sends the request anonymously.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Config describes how to reach the remote store.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *zap.Logger
}

// Client talks to the remote collection store and auth endpoints.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	stream  *http.Client
	tokens  TokenSource
	logger  *zap.Logger
}

// NewClient constructs a Client. Every call is bounded by the configured timeout.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		http:    httpClient,
		stream:  &http.Client{Transport: httpClient.Transport},
		tokens:  cfg.Tokens,
		logger:  logger,
	}, nil
}

// WithTokenSource returns a copy of the client that authenticates data requests with tokens.
func (c *Client) WithTokenSource(tokens TokenSource) *Client {
	clone := *c
	clone.tokens = tokens
	return &clone
}

// Health performs the liveness probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, requestSpec{operation: "health", method: http.MethodGet, path: "/health"}, nil)
}

// FetchCollection returns the full remote snapshot of a collection.
func (c *Client) FetchCollection(ctx context.Context, name records.Name) ([]records.Record, error) {
	var raw json.RawMessage
	spec := requestSpec{operation: "fetch", method: http.MethodGet, path: collectionPath(name), authenticated: true}
	if err := c.do(ctx, spec, &raw); err != nil {
		return nil, err
	}
	list, err := records.DecodeList(raw)
	if err != nil {
		return nil, fmt.Errorf("remote: decode %s snapshot: %w", name, err)
	}
	return list, nil
}

// CreateRecord creates a record and returns the server representation.
func (c *Client) CreateRecord(ctx context.Context, name records.Name, record records.Record) (records.Record, error) {
	spec := requestSpec{operation: "create", method: http.MethodPost, path: collectionPath(name), body: record, authenticated: true}
	return c.doRecord(ctx, spec)
}

// UpdateRecord replaces a record and returns the server representation.
func (c *Client) UpdateRecord(ctx context.Context, name records.Name, id string, record records.Record) (records.Record, error) {
	spec := requestSpec{operation: "update", method: http.MethodPut, path: recordPath(name, id), body: record, authenticated: true}
	return c.doRecord(ctx, spec)
}

// DeleteRecord removes a record.
func (c *Client) DeleteRecord(ctx context.Context, name records.Name, id string) error {
	spec := requestSpec{operation: "delete", method: http.MethodDelete, path: recordPath(name, id), authenticated: true}
	return c.do(ctx, spec, nil)
}

func (c *Client) doRecord(ctx context.Context, spec requestSpec) (records.Record, error) {
	var raw json.RawMessage
	if err := c.do(ctx, spec, &raw); err != nil {
		return nil, err
	}
	record, err := records.DecodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("remote: decode %s response: %w", spec.operation, err)
	}
	return record, nil
}

type requestSpec struct {
	operation     string
	method        string
	path          string
	body          any
	bearer        string
	authenticated bool
}

func (c *Client) do(ctx context.Context, spec requestSpec, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := c.newRequest(callCtx, spec)
	if err != nil {
		return err
	}

	response, err := c.http.Do(request)
	if err != nil {
		return connectivityError(spec.operation, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: response.StatusCode, Code: readErrorCode(response.Body)}
		c.logger.Debug("remote request rejected",
			zap.String("operation", spec.operation),
			zap.String("path", spec.path),
			zap.Int("status", response.StatusCode))
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return connectivityError(spec.operation, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("remote: decode %s response: %w", spec.operation, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, spec requestSpec) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if spec.body != nil {
		encoded, err := json.Marshal(spec.body)
		if err != nil {
			return nil, fmt.Errorf("remote: encode %s request: %w", spec.operation, err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, spec.method, c.baseURL+spec.path, body)
	if err != nil {
		return nil, fmt.Errorf("remote: build %s request: %w", spec.operation, err)
	}
	request.Header.Set("Accept", jsonType)
	if spec.body != nil {
		request.Header.Set("Content-Type", jsonType)
	}

	token := spec.bearer
	if token == "" && spec.authenticated && c.tokens != nil {
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return request, nil
}

func readErrorCode(body io.Reader) string {
	payload, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(payload) == 0 {
		return ""
	}
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	return envelope.Error
}

func collectionPath(name records.Name) string {
	return "/collections/" + url.PathEscape(name.String())
}

func recordPath(name records.Name, id string) string {
	return collectionPath(name) + "/" + url.PathEscape(id)
}
