package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Mode selects which identifier scheme addresses the recipients.
type Mode string

const (
	// ModeExternalID targets application-level user ids registered at
	// the provider. Primary mode.
	ModeExternalID Mode = "external_id"
	// ModeSubscriptionID targets provider subscription ids.
	ModeSubscriptionID Mode = "subscription_id"
	// ModeDeviceID targets legacy device/player ids.
	ModeDeviceID Mode = "device_id"
)

// payloadField maps the mode onto the provider's request field.
func (m Mode) payloadField() string {
	switch m {
	case ModeExternalID:
		return "include_external_user_ids"
	case ModeSubscriptionID:
		return "include_subscription_ids"
	default:
		return "include_player_ids"
	}
}

// SkipReason explains why a send short-circuited without a network call.
type SkipReason string

const (
	SkipDisabled      SkipReason = "disabled"
	SkipConfigMissing SkipReason = "config-missing"
	SkipDryRun        SkipReason = "dry-run"
	SkipNoRecipients  SkipReason = "no-recipients"
)

// Message is the payload delivered to recipients.
type Message struct {
	Title string
	Body  string
}

// Result is the normalized outcome of a send, identical across
// targeting modes.
type Result struct {
	Mode       Mode
	Recipients int
	MessageID  string
	Raw        json.RawMessage
	Skipped    bool
	SkipReason SkipReason
}

// Delivered reports whether the provider confirmed at least one recipient.
func (r Result) Delivered() bool {
	return !r.Skipped && r.Recipients > 0
}

// Client sends push messages through the provider's JSON API. The
// underlying http.Client is reused across requests for connection
// pooling. Zero value is not usable; use NewClient.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client, for custom transports or
// testing.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithClientLogger sets the logger for send diagnostics.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a provider client from config.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 2000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	c := &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name identifies the provider for attempt logging.
func (c *Client) Name() string { return c.cfg.Name }

// Status reports the current guard state.
func (c *Client) Status() Status { return c.cfg.Status() }

// Send delivers msg to the given identifiers using one targeting mode.
// Guards run in order - disabled, credentials, dry-run, empty list -
// and each short-circuits with a skipped Result and no network call.
// Identifier lists larger than the provider's batch limit are split
// into chunks, one request per chunk, with recipient counts summed.
func (c *Client) Send(ctx context.Context, mode Mode, ids []string, msg Message) (Result, error) {
	res := Result{Mode: mode}

	if !c.cfg.Enabled {
		res.Skipped, res.SkipReason = true, SkipDisabled
		return res, nil
	}
	if !c.cfg.HasCredentials() {
		res.Skipped, res.SkipReason = true, SkipConfigMissing
		return res, nil
	}

	ids = compactIDs(ids)

	if c.cfg.DryRun {
		res.Skipped, res.SkipReason = true, SkipDryRun
		res.Recipients = len(ids)
		c.logger.LogAttrs(ctx, slog.LevelInfo, "dry-run push skipped",
			slog.String("mode", string(mode)),
			slog.Int("recipients", len(ids)),
		)
		return res, nil
	}
	if len(ids) == 0 {
		res.Skipped, res.SkipReason = true, SkipNoRecipients
		return res, nil
	}

	for chunk := range slices.Chunk(ids, c.cfg.BatchLimit) {
		chunkRes, err := c.post(ctx, mode, chunk, msg)
		if err != nil {
			return res, err
		}
		res.Recipients += chunkRes.Recipients
		if res.MessageID == "" {
			res.MessageID = chunkRes.MessageID
		}
		if res.Raw == nil {
			res.Raw = chunkRes.Raw
		}
	}

	c.logger.LogAttrs(ctx, slog.LevelInfo, "push sent",
		slog.String("provider", c.cfg.Name),
		slog.String("mode", string(mode)),
		slog.Int("targeted", len(ids)),
		slog.Int("recipients", res.Recipients),
		slog.String("provider_message_id", res.MessageID),
	)

	return res, nil
}

// SendChain tries targets in order until one reports recipients > 0.
// The first delivered result is authoritative; a config-level skip
// (disabled, missing credentials, dry-run) stops the chain immediately
// since later modes would skip the same way. Transport and provider
// errors propagate without trying further modes - retry policy lives
// upstream.
func (c *Client) SendChain(ctx context.Context, targets []Target, msg Message) (Result, error) {
	last := Result{}
	for _, target := range targets {
		res, err := c.Send(ctx, target.Mode, target.IDs, msg)
		if err != nil {
			return res, err
		}
		if res.Skipped && res.SkipReason != SkipNoRecipients {
			return res, nil
		}
		if res.Delivered() {
			return res, nil
		}
		last = res
	}
	return last, nil
}

// Target pairs a targeting mode with its identifier list.
type Target struct {
	Mode Mode
	IDs  []string
}

// apiResponse is the subset of the provider's response body the core
// depends on: a message id and a confirmed recipient count.
type apiResponse struct {
	ID         string          `json:"id"`
	Recipients int             `json:"recipients"`
	Errors     json.RawMessage `json:"errors,omitempty"`
}

func (c *Client) post(ctx context.Context, mode Mode, ids []string, msg Message) (Result, error) {
	res := Result{Mode: mode}

	payload := map[string]any{
		"app_id":           c.cfg.AppID,
		mode.payloadField(): ids,
		"headings":         map[string]string{"en": msg.Title},
		"contents":         map[string]string{"en": msg.Body},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return res, fmt.Errorf("%w: encode request: %w", ErrSendFailed, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return res, fmt.Errorf("%w: read response: %w", ErrSendFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, fmt.Errorf("%w: status %d: %s", ErrSendFailed, resp.StatusCode, errorDetail(raw))
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return res, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if parsed.ID == "" {
		return res, fmt.Errorf("%w: response has no message id: %s", ErrMalformedResponse, truncate(raw, 256))
	}

	res.Recipients = parsed.Recipients
	res.MessageID = parsed.ID
	res.Raw = json.RawMessage(raw)
	return res, nil
}

// errorDetail extracts the provider's error body when present so the
// failure message persisted on the notification is actionable.
func errorDetail(raw []byte) string {
	var body struct {
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Errors) > 0 {
		return string(body.Errors)
	}
	return truncate(raw, 256)
}

func truncate(raw []byte, n int) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) != "" {
			out = append(out, id)
		}
	}
	return out
}
