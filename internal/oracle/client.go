// Package oracle is the client for the external AI moderation service. It
// normalizes every response before anything downstream sees it: risk scores
// are clamped into [0, 1], unknown recommendations degrade to needs_review,
// and transport or format failures surface as errors rather than verdicts.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"lantern/internal/metrics"
	"lantern/internal/moderation"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Classifier judges content for moderation. Implementations must never
// fabricate a verdict on failure; an error means no judgement was made.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*moderation.Verdict, error)
}

// Request describes the content submitted for classification.
type Request struct {
	ContentID   string   `json:"content_id"`
	ContentType string   `json:"content_type"`
	Title       string   `json:"title,omitempty"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags,omitempty"`
	GuestID     string   `json:"guest_id,omitempty"`
}

// Config holds configuration for the oracle client.
type Config struct {
	// Endpoint is the classification URL.
	Endpoint string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds each classification call.
	Timeout time.Duration
}

// DefaultConfig returns a configuration populated from the environment.
func DefaultConfig() Config {
	cfg := Config{
		Endpoint: os.Getenv("MODERATION_ORACLE_URL"),
		APIKey:   os.Getenv("MODERATION_ORACLE_API_KEY"),
		Timeout:  30 * time.Second,
	}
	if v := os.Getenv("MODERATION_ORACLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Timeout = d
		}
	}
	return cfg
}

// Client is an HTTP Classifier.
type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
}

// NewClient builds an oracle client over an instrumented HTTP transport.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("oracle: endpoint not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		timeout:  cfg.Timeout,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// rawVerdict is the wire shape of an oracle response before normalization.
type rawVerdict struct {
	Summary        string   `json:"summary"`
	Recommendation string   `json:"recommendation"`
	RiskScore      *float64 `json:"riskScore"`
	Rationale      string   `json:"rationale"`
	Flags          []string `json:"flags"`
}

// Classify submits content for judgement and returns a normalized verdict.
func (c *Client) Classify(ctx context.Context, req Request) (*moderation.Verdict, error) {
	start := time.Now()
	verdict, status, err := c.classify(ctx, req)
	metrics.OracleRequestDuration.Observe(time.Since(start).Seconds())
	metrics.OracleRequestsTotal.WithLabelValues(status).Inc()
	return verdict, err
}

func (c *Client) classify(ctx context.Context, req Request) (*moderation.Verdict, string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, "encode_error", fmt.Errorf("oracle: failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "request_error", fmt.Errorf("oracle: failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "timeout", fmt.Errorf("oracle: request timed out: %w", err)
		}
		return nil, "transport_error", fmt.Errorf("oracle: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "read_error", fmt.Errorf("oracle: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "http_error", fmt.Errorf("oracle: unexpected status %d", resp.StatusCode)
	}

	var raw rawVerdict
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, "malformed", fmt.Errorf("oracle: malformed response: %w", err)
	}
	if raw.RiskScore == nil && raw.Recommendation == "" {
		return nil, "malformed", errors.New("oracle: response carries no verdict")
	}

	return normalize(raw), "ok", nil
}

// normalize maps a raw oracle response onto the closed verdict vocabulary.
func normalize(raw rawVerdict) *moderation.Verdict {
	v := &moderation.Verdict{
		Summary:   raw.Summary,
		Rationale: raw.Rationale,
		Flags:     raw.Flags,
	}

	switch moderation.Recommendation(raw.Recommendation) {
	case moderation.RecommendationReject:
		v.Recommendation = moderation.RecommendationReject
	case moderation.RecommendationActionNeeded:
		v.Recommendation = moderation.RecommendationActionNeeded
	case moderation.RecommendationNeedsReview:
		v.Recommendation = moderation.RecommendationNeedsReview
	default:
		log.Warn().Str("recommendation", raw.Recommendation).
			Msg("oracle: unknown recommendation, degrading to needs_review")
		v.Recommendation = moderation.RecommendationNeedsReview
	}

	if raw.RiskScore != nil {
		v.RiskScore = clampRisk(*raw.RiskScore)
	}
	return v
}

func clampRisk(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
