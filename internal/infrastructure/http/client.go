// Package http provides the venue REST client with signing, retries, a
// per-host circuit breaker, and proactive rate limiting.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"fundarb/pkg/apperrors"
	"fundarb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// APIError carries the venue's raw HTTP failure for error translation.
type APIError struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Unwrap maps the status onto the apperrors taxonomy so callers can use
// errors.Is without inspecting status codes.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable:
		return apperrors.ErrRateLimited
	case e.StatusCode >= 500:
		return apperrors.ErrNetwork
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return apperrors.ErrConfiguration
	default:
		return apperrors.ErrOrderRejected
	}
}

// Signer signs venue requests.
type Signer interface {
	SignRequest(req *http.Request) error
}

// ClientConfig tunes the resilience policies.
type ClientConfig struct {
	Timeout            time.Duration
	MaxRetries         int
	BreakerFailures    uint // consecutive failures before the circuit opens
	BreakerCooldown    time.Duration
	RequestsPerMinute  int     // per-host budget; 0 disables the limiter
	WarnUtilization    float64 // log above this share of the budget
	RefuseAtUtilization float64
}

// DefaultClientConfig matches typical venue REST limits.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             10 * time.Second,
		MaxRetries:          3,
		BreakerFailures:     5,
		BreakerCooldown:     30 * time.Second,
		RequestsPerMinute:   1200,
		WarnUtilization:     0.80,
		RefuseAtUtilization: 0.95,
	}
}

// Client wraps http.Client with signing, retry, circuit breaking and a
// token-window rate limiter.
type Client struct {
	client   *http.Client
	baseURL  string
	host     string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]
	limiter  *rate.Limiter
	cfg      ClientConfig

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a resilient HTTP client for one venue host.
func NewClient(baseURL, host string, cfg ClientConfig, signer Signer) *Client {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThreshold(cfg.BreakerFailures).
		WithDelay(cfg.BreakerCooldown).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(host, e.NewState == circuitbreaker.OpenState)
		}).
		Build()

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
		burst := cfg.RequestsPerMinute / 10
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(perSecond, burst)
	}

	meter := telemetry.GetMeter("http-client")
	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total venue REST requests"))
	errCounter, _ := meter.Int64Counter("http_request_errors_total",
		metric.WithDescription("Failed venue REST requests"))
	latencyHist, _ := meter.Float64Histogram("http_request_latency_seconds",
		metric.WithDescription("Venue REST request latency"))

	return &Client{
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     baseURL,
		host:        host,
		signer:      signer,
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		limiter:     limiter,
		cfg:         cfg,
		tracer:      telemetry.GetTracer("http-client"),
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()
	return c.do(ctx, req)
}

// Post sends a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(ctx, req)
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "HTTP "+req.Method,
		trace.WithAttributes(
			attribute.String("http.url", req.URL.String()),
			attribute.String("http.host", c.host),
		),
	)
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: limiter wait: %v", apperrors.ErrRateLimited, err)
		}
	}

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	start := time.Now()
	c.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("host", c.host)))

	resp, err := c.pipeline.Get(func() (*http.Response, error) {
		return c.client.Do(req)
	})
	c.latencyHist.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("host", c.host)))

	if err != nil {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("host", c.host)))
		span.RecordError(err)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, fmt.Errorf("%w: circuit open for %s", apperrors.ErrNetwork, c.host)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", apperrors.ErrNetwork, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: body}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		c.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("host", c.host)))
		// Rate-limit responses feed back into the limiter by reserving the
		// Retry-After budget before the next caller proceeds.
		if apiErr.RetryAfter > 0 && c.limiter != nil {
			c.limiter.ReserveN(time.Now().Add(apiErr.RetryAfter), c.limiter.Burst())
		}
		return nil, apiErr
	}

	return body, nil
}
