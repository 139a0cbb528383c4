// Package client talks to a sketchbox server over HTTP.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sketchbox/internal/api/types"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/sketchbox/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox"
	"github.com/GriffinCanCode/sketchbox/internal/sandbox/capability"
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *zap.Logger
}

// Client wraps resty with retries on overload and a circuit breaker.
type Client struct {
	resty   *resty.Client
	breaker *resilience.Breaker
	log     *zap.Logger
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sketchbox: %d %s: %s", e.Status, e.Code, e.Message)
}

// Is maps error codes back to the sandbox sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Code {
	case types.CodeInvalidRequest:
		return target == sandbox.ErrInvalidRequest
	case types.CodeConcurrent:
		return target == sandbox.ErrConcurrentExecution
	case types.CodePoolExhausted:
		return target == sandbox.ErrPoolTimeout
	case types.CodeCircuitOpen:
		return target == resilience.ErrCircuitOpen
	}
	return false
}

// New creates a client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 500 * time.Millisecond
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.String("component", "client"))

	// Pooled transport without retryablehttp's own retry loop; resty
	// retries below.
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	r := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTransport(retryClient.HTTPClient.Transport).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryMax).
		SetRetryWaitTime(opts.RetryWaitMin).
		SetRetryMaxWaitTime(opts.RetryWaitMax).
		SetHeader("User-Agent", "sketchbox-client/1.0").
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			// A 503 or 429 means the request never ran.
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			code := resp.StatusCode()
			return code == http.StatusServiceUnavailable || code == http.StatusTooManyRequests
		})

	breaker := resilience.New("sketchbox-client", resilience.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	return &Client{resty: r, breaker: breaker, log: log}
}

// FromConfig creates a client from the client section of the config.
func FromConfig(cfg config.ClientConfig, logger *zap.Logger) *Client {
	return New(Options{
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout(),
		RetryMax: cfg.RetryMax,
		Logger:   logger,
	})
}

// Execute runs code on the server.
func (c *Client) Execute(ctx context.Context, req types.ExecuteRequest) (*sandbox.ExecutionResult, error) {
	var result sandbox.ExecutionResult
	if err := c.do(ctx, http.MethodPost, "/v1/executions", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// History returns the server's merged history.
func (c *Client) History(ctx context.Context) (*types.HistoryResponse, error) {
	var history types.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/v1/executions/history", nil, &history); err != nil {
		return nil, err
	}
	return &history, nil
}

// Capabilities returns the server's denylist.
func (c *Client) Capabilities(ctx context.Context) ([]capability.Capability, error) {
	var resp types.CapabilitiesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/capabilities", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Capabilities, nil
}

// Health returns nil when the server can take work.
func (c *Client) Health(ctx context.Context) error {
	var body map[string]any
	return c.do(ctx, http.MethodGet, "/health", nil, &body)
}

// BreakerState reports the client's circuit breaker state.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.breaker.Execute(func() error {
		req := c.resty.R().SetContext(ctx).SetResult(out).SetError(&types.ErrorResponse{})
		tracing.Inject(ctx, req.Header)
		if body != nil {
			req.SetBody(body)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		if resp.IsError() {
			apiErr := &APIError{Status: resp.StatusCode(), Code: types.CodeInternal, Message: resp.Status()}
			if e, ok := resp.Error().(*types.ErrorResponse); ok && e.Code != "" {
				apiErr.Code = e.Code
				apiErr.Message = e.Error
			}
			c.log.Debug("Request failed",
				zap.String("path", path),
				zap.Int("status", apiErr.Status),
				zap.String("code", apiErr.Code),
				zap.Int("attempts", resp.Request.Attempt))
			return apiErr
		}
		return nil
	})
}
