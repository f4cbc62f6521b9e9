// Package relay talks to the relay operator API: whitelist lookups,
// whitelist grants and the NIP-05 name directory.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"go.uber.org/zap"

	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/observability"
)

var ErrNotFound = errors.New("relay: identity not found")

var hexKey = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// StatusError carries an unexpected HTTP status from the relay API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay api: status %d: %s", e.StatusCode, e.Body)
}

// Client is an HTTP client for the relay operator API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewClient builds a client. apiKey is only needed for whitelist grants.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: metrics,
	}
}

type userInfoRequest struct {
	Npub string `json:"npub"`
}

type userInfoResponse struct {
	Pubkey        string `json:"pubkey"`
	Npub          string `json:"npub"`
	TimeRemaining *int64 `json:"time_remaining,omitempty"`
	IsWhitelisted bool   `json:"is_whitelisted"`
}

// CheckAuthorization asks whether pubkey is whitelisted. It never fails: an
// unknown identity or any transport or server error reads as "not
// authorized" and is only logged.
func (c *Client) CheckAuthorization(ctx context.Context, pubkey string) domain.Authorization {
	auth, err := c.lookup(ctx, pubkey)
	switch {
	case err == nil:
		c.metrics.RecordAuthorization(resultLabel(auth.IsWhitelisted))
		return auth
	case errors.Is(err, ErrNotFound):
		c.metrics.RecordAuthorization("not_found")
	default:
		c.metrics.RecordAuthorization("error")
		c.logger.Warn("authorization lookup failed", zap.Error(err))
	}
	return domain.Authorization{IsWhitelisted: false}
}

func (c *Client) lookup(ctx context.Context, pubkey string) (domain.Authorization, error) {
	resp, err := c.postJSON(ctx, "/api/user/info", userInfoRequest{Npub: pubkey}, false)
	if err != nil {
		return domain.Authorization{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.Authorization{}, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Authorization{}, statusError(resp)
	}

	var body userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Authorization{}, fmt.Errorf("decode user info: %w", err)
	}

	display := body.Npub
	if display == "" {
		display = npubFor(pubkey)
	}
	return domain.Authorization{
		IsWhitelisted: body.IsWhitelisted,
		TimeRemaining: body.TimeRemaining,
		DisplayID:     display,
	}, nil
}

// Whitelist grants relay access to pubkey. Unlike lookups, failures are
// returned to the caller.
func (c *Client) Whitelist(ctx context.Context, pubkey string) error {
	if c.apiKey == "" {
		return errors.New("relay api key not configured")
	}
	resp, err := c.postJSON(ctx, "/api/whitelist/add", userInfoRequest{Npub: pubkey}, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	return nil
}

type nip05Directory struct {
	Names map[string]string `json:"names"`
}

// RegisteredIdentities counts the names published in the relay's
// /.well-known/nostr.json.
func (c *Client) RegisteredIdentities(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/.well-known/nostr.json", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch nostr.json: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp)
	}

	var dir nip05Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return 0, fmt.Errorf("decode nostr.json: %w", err)
	}
	return len(dir.Names), nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, withKey bool) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if withKey {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay api %s: %w", path, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// npubFor encodes a raw hex key for display. Anything else is left alone.
func npubFor(pubkey string) string {
	if !hexKey.MatchString(pubkey) {
		return ""
	}
	npub, err := nip19.EncodePublicKey(strings.ToLower(pubkey))
	if err != nil {
		return ""
	}
	return npub
}

func resultLabel(whitelisted bool) string {
	if whitelisted {
		return "whitelisted"
	}
	return "not_whitelisted"
}
