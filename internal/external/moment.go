package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"momentwatch/internal/types"
)

// DefaultMomentEndpoint is the public moment endpoint. {region} is replaced
// with the sensor's region.
const DefaultMomentEndpoint = "https://mobile-l7.bereal.com/api/bereal/moments/last/{region}"

// DefaultFetchTimeout bounds a single moment request.
const DefaultFetchTimeout = 10 * time.Second

// maxPayloadBytes caps how much of a response body is read.
const maxPayloadBytes = 1 << 20

// MomentClientConfig holds the configuration for creating a MomentClient.
type MomentClientConfig struct {
	EndpointTemplate string // must contain {region}; defaults to DefaultMomentEndpoint
	Timeout          time.Duration
	UserAgent        string
	RetryPolicy      RetryPolicy
	Breaker          BreakerSettings
	Logger           *slog.Logger
}

// MomentClient fetches the latest moment window for a region.
type MomentClient struct {
	base     *BaseClient
	template string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMomentHTTPClient returns an http.Client whose transport transparently
// negotiates and decodes compressed responses.
func NewMomentHTTPClient() *http.Client {
	return &http.Client{
		Transport: gzhttp.Transport(http.DefaultTransport),
	}
}

// NewMomentClient creates a MomentClient that sends its requests through a new
// BaseClient built from cfg.
func NewMomentClient(httpClient *http.Client, cfg MomentClientConfig, opts ...BaseClientOption) *MomentClient {
	breaker := cfg.Breaker
	if breaker.Name == "" {
		breaker.Name = "moment-api"
	}
	if breaker.OpenTimeout <= 0 {
		breaker.OpenTimeout = DefaultBreakerSettings(breaker.Name).OpenTimeout
	}
	base := NewBaseClient(httpClient, breaker, cfg.RetryPolicy, cfg.UserAgent, opts...)
	return NewMomentClientWithBase(base, cfg)
}

// NewMomentClientWithBase creates a MomentClient with a pre-configured
// BaseClient.
func NewMomentClientWithBase(base *BaseClient, cfg MomentClientConfig) *MomentClient {
	template := cfg.EndpointTemplate
	if template == "" {
		template = DefaultMomentEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MomentClient{
		base:     base,
		template: template,
		timeout:  timeout,
		logger:   logger,
	}
}

// EndpointFor returns the request URL for region.
func (c *MomentClient) EndpointFor(region string) string {
	return strings.ReplaceAll(c.template, "{region}", region)
}

// Fetch retrieves and decodes the moment payload for region. The request is
// bounded by the configured timeout.
//
// Error mapping:
//   - deadline exceeded -> types.ErrCodeUpstreamTimeout
//   - 429 -> types.ErrCodeUpstreamRateLimited (mapped by BaseClient)
//   - any other non-2xx, transport failure, or open breaker -> types.ErrCodeUpstreamUnavailable
//   - body that is not a JSON object -> types.ErrCodeUpstreamDecodeFailed
func (c *MomentClient) Fetch(ctx context.Context, region string) (*types.FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.EndpointFor(region)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build moment request", err)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamTimeout, "timed out reading moment response", err)
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to read moment response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("moment API returned %d", resp.StatusCode), nil,
			map[string]any{"status": resp.StatusCode, "region": region})
	}

	var payload types.RawWindowPayload
	if err := decodeObject(body, &payload); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamDecodeFailed, "moment response is not a JSON object", err)
	}

	c.logger.DebugContext(ctx, "moment fetched",
		"region", region,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return &types.FetchResult{Payload: payload, Raw: json.RawMessage(body)}, nil
}

// decodeObject decodes body into v and requires the top-level value to be an
// object. Absent and null fields leave the payload field unset; a non-string
// value is kept as its JSON text so the normalizer rejects it as malformed.
func decodeObject(body []byte, v *types.RawWindowPayload) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("expected JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return err
	}

	v.StartDate = stringField(fields, "startDate")
	v.EndDate = stringField(fields, "endDate")
	v.LocalDate = stringField(fields, "localDate")
	v.LocalTime = stringField(fields, "localTime")
	return nil
}

func stringField(fields map[string]json.RawMessage, name string) *string {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	return &s
}
