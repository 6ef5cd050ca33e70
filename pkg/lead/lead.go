// Package lead submits captured contact details for a call. Submission is
// fire-and-forget from the engine's point of view: it happens once per call
// after the session is ready and its failure never affects the call.
package lead

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultPath is the submission endpoint relative to the API base URL.
const DefaultPath = "/api/voice/lead"

// Info holds the contact fields collected before the call.
type Info struct {
	Name    string            `json:"name,omitempty" yaml:"name"`
	Email   string            `json:"email,omitempty" yaml:"email"`
	Phone   string            `json:"phone,omitempty" yaml:"phone"`
	Company string            `json:"company,omitempty" yaml:"company"`
	Fields  map[string]string `json:"fields,omitempty" yaml:"fields"`
}

// IsZero reports whether no field is set.
func (i Info) IsZero() bool {
	return i.Name == "" && i.Email == "" && i.Phone == "" && i.Company == "" && len(i.Fields) == 0
}

// Submission is the payload sent to the backend.
type Submission struct {
	SessionID string `json:"sessionId"`
	LeadID    string `json:"leadId,omitempty"`
	Info
}

// Submitter delivers lead submissions.
type Submitter interface {
	Submit(ctx context.Context, s Submission) error
}

// SubmitterFunc adapts a function to [Submitter].
type SubmitterFunc func(ctx context.Context, s Submission) error

// Submit implements [Submitter].
func (f SubmitterFunc) Submit(ctx context.Context, s Submission) error { return f(ctx, s) }

// HTTPSubmitter posts submissions as JSON to {baseURL}{path}.
type HTTPSubmitter struct {
	url    string
	client *http.Client
}

var _ Submitter = (*HTTPSubmitter)(nil)

// NewHTTPSubmitter creates a submitter. An empty path means [DefaultPath];
// a nil client gets a 10 second timeout.
func NewHTTPSubmitter(baseURL, path string, client *http.Client) (*HTTPSubmitter, error) {
	if baseURL == "" {
		return nil, errors.New("lead: base URL must not be empty")
	}
	if path == "" {
		path = DefaultPath
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSubmitter{url: strings.TrimRight(baseURL, "/") + path, client: client}, nil
}

// Submit implements [Submitter].
func (h *HTTPSubmitter) Submit(ctx context.Context, s Submission) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("lead: marshal submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("lead: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("lead: POST: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("lead: POST returned status %d", resp.StatusCode)
	}
	return nil
}
