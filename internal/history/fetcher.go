package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opencode-ai/chatsync/pkg/types"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 16 * 1024 * 1024
)

// ErrNotFound is returned when the server does not know the session.
var ErrNotFound = errors.New("session history not found")

// Fetcher retrieves the history of one session.
type Fetcher interface {
	Fetch(ctx context.Context, sessionID string) (types.Items, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, sessionID string) (types.Items, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, sessionID string) (types.Items, error) {
	return f(ctx, sessionID)
}

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("history request failed with status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPFetcher reads history from GET {base}/session/{id}/message. The
// response is a JSON array of kind-tagged chat items.
type HTTPFetcher struct {
	base   string
	client *http.Client
}

// NewHTTPFetcher creates a fetcher for base. A nil client uses a default
// client with a 30 second timeout.
func NewHTTPFetcher(base string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPFetcher{
		base:   strings.TrimRight(base, "/"),
		client: client,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, sessionID string) (types.Items, error) {
	endpoint := fmt.Sprintf("%s/session/%s/message", f.base, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	case resp.StatusCode >= 400:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var items types.Items
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return items, nil
}
