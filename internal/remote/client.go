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

	"caresync/internal/config"
	"caresync/internal/domain"
	"caresync/internal/models"
	"caresync/internal/ratelimit"
	"caresync/internal/registry"

	"github.com/rs/zerolog"
)

// Client replays queued mutations against the server API.
type Client struct {
	baseURL    string
	apiKey     string
	healthPath string
	timeout    time.Duration
	httpClient *http.Client
	registry   *registry.Registry
	limiter    *ratelimit.Keyed // one bucket per entity tag
	now        func() time.Time
	logger     zerolog.Logger
}

type envelope struct {
	Data            json.RawMessage `json:"data"`
	ServerTimestamp *time.Time      `json:"server_timestamp"`
	Error           string          `json:"error"`
	Message         string          `json:"message"`
}

// NewClient constructs a client. reg may be nil, in which case every entity
// uses the default endpoint.
func NewClient(cfg config.RemoteConfig, reg *registry.Registry, logger *zerolog.Logger) *Client {
	if reg == nil {
		reg = registry.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = models.DefaultRemoteTimeout
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "remote").Logger()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		healthPath: cfg.HealthPath,
		timeout:    timeout,
		httpClient: &http.Client{},
		registry:   reg,
		limiter:    ratelimit.NewKeyed(cfg.RateLimit),
		now:        time.Now,
		logger:     l,
	}
}

// Replay sends item to the server and returns the canonical result.
// Errors are *domain.TransientError, *domain.ValidationError or
// *domain.ConflictError.
func (c *Client) Replay(ctx context.Context, item models.QueueItem) (*models.RemoteResult, error) {
	method, target := c.route(item)

	if err := c.limiter.Wait(ctx, item.Entity); err != nil {
		return nil, &domain.TransientError{Op: "rate limit", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if method != http.MethodDelete && method != http.MethodGet && len(item.Payload.Data) > 0 {
		body = bytes.NewReader(item.Payload.Data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Idempotency-Key", item.ID)
	if item.Payload.Override {
		req.Header.Set("X-Sync-Override", "true")
	}
	c.addHeaders(req)

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransientError{Op: method + " " + item.Entity, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &domain.TransientError{Op: "read response", StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("took", c.now().Sub(start)).
		Msg("Replayed mutation")

	data, ts, msg := decodeBody(raw, c.now())
	if err := classify(resp.StatusCode, msg); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			conflict.Key = item.EntityKey()
			if len(data) > 0 {
				conflict.Remote = &models.MirrorEntry{
					Key:          conflict.Key,
					Data:         data,
					LastModified: ts,
					SyncStatus:   models.SyncStatusSynced,
				}
			}
		}
		return nil, err
	}

	return &models.RemoteResult{StatusCode: resp.StatusCode, Data: data, ServerTimestamp: ts}, nil
}

// Ping checks the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) route(item models.QueueItem) (method, target string) {
	endpoint := item.Payload.Endpoint
	withID := false
	if endpoint == "" {
		endpoint = c.registry.Lookup(item.Entity).Endpoint
		withID = item.EntityID != ""
	}

	switch item.Action {
	case models.ActionCreate:
		method = http.MethodPost
		withID = false
	case models.ActionDelete:
		method = http.MethodDelete
	default:
		method = http.MethodPut
	}
	if item.Payload.Method != "" {
		method = strings.ToUpper(item.Payload.Method)
	}

	target = c.baseURL + endpoint
	if withID {
		target += "/" + url.PathEscape(item.EntityID)
	}
	return method, target
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

// decodeBody extracts data, server timestamp and an error message. Bodies
// without an envelope are taken as the data itself.
func decodeBody(raw []byte, received time.Time) (json.RawMessage, time.Time, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, received, ""
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, received, string(raw)
	}
	ts := received
	if env.ServerTimestamp != nil {
		ts = *env.ServerTimestamp
	}
	msg := env.Error
	if msg == "" {
		msg = env.Message
	}
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = nil
		if env.Error == "" && env.Message == "" && env.ServerTimestamp == nil && json.Valid(raw) && raw[0] == '{' {
			data = json.RawMessage(raw)
		}
	}
	return data, ts, msg
}

// classify maps a status code to the sync error taxonomy.
func classify(status int, msg string) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusConflict:
		return &domain.ConflictError{}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &domain.TransientError{Op: "replay", StatusCode: status, Err: errors.New(http.StatusText(status))}
	default:
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &domain.ValidationError{StatusCode: status, Message: msg}
	}
}
