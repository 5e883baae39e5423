package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/correlator-io/seeder/internal/record"
)

const maxResponseBytes = 32 << 20

var (
	// ErrMissingURL indicates an HTTP source without a url param.
	ErrMissingURL = errors.New("source has no url param")

	// ErrUnexpectedStatus indicates a non-2xx response from an HTTP source.
	ErrUnexpectedStatus = errors.New("unexpected status code")

	// ErrUnexpectedPayload indicates a response that is not a record list.
	ErrUnexpectedPayload = errors.New("unexpected payload")
)

// HTTPAdapter fetches records from JSON endpoints (api and benchmark sources).
//
// Params:
//   - url: endpoint (required)
//   - records_key: object key holding the record list (default: tries "data", "records", "items")
//   - auth_header / auth_token: optional static header forwarded verbatim
//
// The since cursor is sent as an RFC3339 "since" query parameter.
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter creates an HTTPAdapter. A nil client uses http.DefaultClient;
// per-attempt deadlines come from the request context.
func NewHTTPAdapter(client *http.Client) *HTTPAdapter {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPAdapter{client: client}
}

// Fetch implements Adapter.
func (a *HTTPAdapter) Fetch(ctx context.Context, cfg Config, since *time.Time) ([]*record.Record, error) {
	raw := cfg.Param("url", "")
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingURL, cfg.ID)
	}

	endpoint, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("source %s: invalid url: %w", cfg.ID, err)
	}

	if since != nil {
		q := endpoint.Query()
		q.Set("since", since.UTC().Format(time.RFC3339))
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	if h := cfg.Param("auth_header", ""); h != "" {
		req.Header.Set(h, cfg.Param("auth_token", ""))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, cfg.ID, resp.StatusCode)
	}

	var payload any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnexpectedPayload, cfg.ID, err)
	}

	items, err := extractItems(payload, cfg.Param("records_key", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnexpectedPayload, cfg.ID, err)
	}

	shape := cfg.RecordShape()
	out := make([]*record.Record, 0, len(items))

	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s: item %d is %T, not an object", ErrUnexpectedPayload, cfg.ID, i, item)
		}

		out = append(out, record.FromMap(shape, obj))
	}

	return out, nil
}

func extractItems(payload any, key string) ([]any, error) {
	switch v := payload.(type) {
	case []any:
		return v, nil
	case map[string]any:
		keys := []string{"data", "records", "items"}
		if key != "" {
			keys = []string{key}
		}

		for _, k := range keys {
			if list, ok := v[k].([]any); ok {
				return list, nil
			}
		}

		return nil, fmt.Errorf("no record list under %v", keys)
	default:
		return nil, fmt.Errorf("payload is %T", payload)
	}
}
