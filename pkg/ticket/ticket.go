// Package ticket obtains short-lived connection tickets for the voice socket.
//
// A ticket is an opaque credential exchanged once for a WebSocket connection.
// The issuer is a plain JSON-over-HTTP endpoint keyed by tenant, bot, and a
// client fingerprint.
package ticket

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
)

// DefaultPath is the issuance endpoint relative to the API base URL.
const DefaultPath = "/api/voice/ticket"

// DefaultSocketPath is the voice socket path used when neither the ticket nor
// the configuration names an endpoint.
const DefaultSocketPath = "/ws/voice"

// ErrEmptyTicket is returned when the issuer answers without a ticket value.
var ErrEmptyTicket = errors.New("ticket: issuer returned an empty ticket")

// Request identifies who a ticket is for.
type Request struct {
	TenantID    string `json:"tenantId"`
	BotID       string `json:"botId"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Ticket is an issued connection credential.
type Ticket struct {
	Value             string `json:"ticket"`
	WebsocketEndpoint string `json:"websocketEndpoint,omitempty"`
	LeadID            string `json:"leadId,omitempty"`
}

// Issuer obtains tickets.
type Issuer interface {
	Issue(ctx context.Context, req Request) (Ticket, error)
}

// IssuerFunc adapts a function to [Issuer].
type IssuerFunc func(ctx context.Context, req Request) (Ticket, error)

// Issue implements [Issuer].
func (f IssuerFunc) Issue(ctx context.Context, req Request) (Ticket, error) { return f(ctx, req) }

// Option configures an [HTTPIssuer].
type Option func(*HTTPIssuer)

// WithPath overrides [DefaultPath].
func WithPath(path string) Option {
	return func(h *HTTPIssuer) {
		if path != "" {
			h.path = path
		}
	}
}

// WithHTTPClient sets the HTTP client used for issuance.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPIssuer) {
		if c != nil {
			h.client = c
		}
	}
}

// HTTPIssuer requests tickets with POST {baseURL}{path}.
type HTTPIssuer struct {
	baseURL string
	path    string
	client  *http.Client
}

var _ Issuer = (*HTTPIssuer)(nil)

// NewHTTPIssuer creates an issuer for the API at baseURL.
func NewHTTPIssuer(baseURL string, opts ...Option) (*HTTPIssuer, error) {
	if baseURL == "" {
		return nil, errors.New("ticket: base URL must not be empty")
	}
	h := &HTTPIssuer{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    DefaultPath,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Issue implements [Issuer].
func (h *HTTPIssuer) Issue(ctx context.Context, r Request) (Ticket, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+h.path, bytes.NewReader(body))
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: POST %s: %w", h.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Ticket{}, fmt.Errorf("ticket: POST %s returned status %d: %s", h.path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var t Ticket
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return Ticket{}, fmt.Errorf("ticket: decode response: %w", err)
	}
	if t.Value == "" {
		return Ticket{}, ErrEmptyTicket
	}
	return t, nil
}

// DefaultEndpoint derives the voice socket URL from an HTTP API base URL:
// http becomes ws, https becomes wss, and the path is [DefaultSocketPath].
func DefaultEndpoint(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("ticket: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("ticket: unsupported base URL scheme %q", u.Scheme)
	}
	u.Path = DefaultSocketPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// ConnectURL returns the socket URL for t. The ticket's own endpoint wins,
// then fallback. The ticket value is appended as the "ticket" query
// parameter, preserving any existing query.
func ConnectURL(t Ticket, fallback string) (string, error) {
	endpoint := t.WebsocketEndpoint
	if endpoint == "" {
		endpoint = fallback
	}
	if endpoint == "" {
		return "", errors.New("ticket: no websocket endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("ticket: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("ticket", t.Value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
