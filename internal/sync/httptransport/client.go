// Package httptransport submits sync batches to the remote service over HTTP.
package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
	"github.com/kimhsiao/mealsync/internal/logging"
	"github.com/kimhsiao/mealsync/internal/models"
	syncengine "github.com/kimhsiao/mealsync/internal/sync"
	"github.com/kimhsiao/mealsync/internal/uuid"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// TokenSource supplies the bearer token for a request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds the remote endpoint settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client implements the engine's Transport.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tokens     TokenSource
}

type changeRequest struct {
	ID                  int64            `json:"id"`
	EntityID            string           `json:"entity_id"`
	Operation           models.Operation `json:"operation"`
	Payload             json.RawMessage  `json:"payload,omitempty"`
	ClientTimestamp     int64            `json:"client_timestamp"`
	BaseServerTimestamp *int64           `json:"base_server_timestamp,omitempty"`
}

type batchRequest struct {
	EntityType models.EntityType `json:"entity_type"`
	Changes    []changeRequest   `json:"changes"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// New creates a Client for cfg.BaseURL.
func New(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base url is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote base url scheme %q", base.Scheme)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}

	return &Client{baseURL: base, httpClient: client, tokens: tokens}, nil
}

// HTTPClient returns the underlying client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// IdempotencyKey derives a stable key for a batch from its record ids and
// edit times, so an unchanged batch that is retried carries the same key.
func IdempotencyKey(entityType models.EntityType, changes []syncengine.PendingChange) string {
	parts := make([]string, 0, len(changes)+1)
	parts = append(parts, models.ToToken(entityType))
	for _, ch := range changes {
		parts = append(parts, strconv.FormatInt(ch.Record.ID, 10)+"@"+strconv.FormatInt(ch.Record.CreatedAt, 10))
	}
	return uuid.FromParts(parts...)
}

// SyncBatch posts one batch and returns the per-record outcome.
func (c *Client) SyncBatch(ctx context.Context, entityType models.EntityType, changes []syncengine.PendingChange) (*syncengine.BatchResponse, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body := batchRequest{EntityType: entityType, Changes: make([]changeRequest, 0, len(changes))}
	for _, ch := range changes {
		cr := changeRequest{
			ID:              ch.Record.ID,
			EntityID:        ch.Record.EntityID,
			Operation:       ch.Record.Operation,
			Payload:         json.RawMessage(ch.Record.Payload),
			ClientTimestamp: ch.Record.CreatedAt,
		}
		if ch.Base != nil {
			ts := ch.Base.ServerTimestamp
			cr.BaseServerTimestamp = &ts
		}
		body.Changes = append(body.Changes, cr)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, syncerrors.Wrap(syncerrors.ErrUnknown, "encode sync batch", err)
	}

	endpoint := c.baseURL.JoinPath("v1", "sync", models.ToToken(entityType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return nil, syncerrors.Wrap(syncerrors.ErrUnknown, "build sync request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", IdempotencyKey(entityType, changes))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerrors.Classify(err)
	}
	defer resp.Body.Close()

	logging.Debug("Sync batch response", map[string]interface{}{
		"entity_type": entityType.String(),
		"records":     len(changes),
		"status":      resp.StatusCode,
		"latency_ms":  time.Since(start).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}

	var out syncengine.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if se := syncerrors.Classify(err); se.Code == syncerrors.ErrCancelled || se.Code == syncerrors.ErrTimeout || se.Code == syncerrors.ErrNetwork {
			return nil, se
		}
		return nil, syncerrors.Wrap(syncerrors.ErrUnknown, "decode sync response", err)
	}
	return &out, nil
}

// statusError maps a non-2xx response onto the taxonomy.
func statusError(resp *http.Response) *syncerrors.SyncError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	message := eb.Message
	if message == "" && eb.Error == "" {
		message = strings.TrimSpace(string(raw))
	}

	if resp.StatusCode == http.StatusUnauthorized && tokenExpired(resp, eb) {
		e := syncerrors.NewTokenExpiredError(nil)
		e.StatusCode = resp.StatusCode
		return e
	}
	return syncerrors.FromStatus(resp.StatusCode, message, retryAfter(resp.Header.Get("Retry-After"), time.Now()))
}

func tokenExpired(resp *http.Response, eb errorBody) bool {
	if eb.Error == "token_expired" || eb.Error == "invalid_token" {
		return true
	}
	return strings.Contains(resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

// retryAfter parses a Retry-After header given as seconds or an HTTP date.
func retryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

var _ syncengine.Transport = (*Client)(nil)
