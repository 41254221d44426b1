package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/conectividade/fieldsync/internal/survey"
)

// DefaultRESTTimeout is used when RESTOptions.Timeout is zero.
const DefaultRESTTimeout = 15 * time.Second

// RESTOptions configures NewRESTClient.
type RESTOptions struct {
	// BaseURL is the project URL, e.g. "https://xyz.example.co".
	BaseURL string
	// APIKey is sent as the apikey header and as a bearer token.
	APIKey string
	// Table is the target table, e.g. "pesquisas_sinal".
	Table   string
	Timeout time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// RESTClient inserts surveys through a PostgREST-style HTTP API.
//
// RESTClient is safe for concurrent use.
type RESTClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRESTClient creates a client for {BaseURL}/rest/v1/{Table}.
func NewRESTClient(opts RESTOptions, logger *slog.Logger) (*RESTClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("rest url is required")
	}
	if opts.Table == "" {
		return nil, fmt.Errorf("rest table is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultRESTTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &RESTClient{
		endpoint:   strings.TrimRight(opts.BaseURL, "/") + "/rest/v1/" + opts.Table,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// restError is the structured error body returned by the API.
type restError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// Submit posts the payload and returns the id of the inserted row.
func (c *RESTClient) Submit(ctx context.Context, payload *survey.Payload) (Ack, error) {
	if payload == nil {
		return Ack{}, &DeliveryError{Reason: "empty payload"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, &DeliveryError{Reason: "marshal payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Ack{}, &DeliveryError{Reason: "create request", Err: err}
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Ack{}, &DeliveryError{Reason: transportReason(err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Ack{}, &DeliveryError{Reason: "read response", StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, &DeliveryError{Reason: errorMessage(resp, respBody), StatusCode: resp.StatusCode}
	}

	return Ack{RemoteID: rowID(respBody)}, nil
}

// Ping issues a HEAD request against the table.
func (c *RESTClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint, nil)
	if err != nil {
		return &DeliveryError{Reason: "create request", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{Reason: transportReason(err), Err: err}
	}
	resp.Body.Close()

	// Any HTTP answer below 500 proves the network path works; auth problems
	// surface on Submit.
	if resp.StatusCode >= 500 {
		return &DeliveryError{Reason: "server unavailable", StatusCode: resp.StatusCode}
	}
	return nil
}

// Close releases idle connections.
func (c *RESTClient) Close(ctx context.Context) error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *RESTClient) setHeaders(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func transportReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "network timeout"
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "network timeout"
	}
	return "network error"
}

func errorMessage(resp *http.Response, body []byte) string {
	var apiErr restError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		if apiErr.Code != "" {
			return fmt.Sprintf("%s (%s)", apiErr.Message, apiErr.Code)
		}
		return apiErr.Message
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 200 {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// rowID extracts "id" from the representation of the inserted row. The API
// returns an array of rows; a bare object is accepted too.
func rowID(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	var rows []map[string]json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &rows); err != nil {
			return ""
		}
	} else {
		var row map[string]json.RawMessage
		if err := json.Unmarshal(body, &row); err != nil {
			return ""
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return ""
	}

	raw, ok := rows[0]["id"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
