package monitors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"payin-monitor/internal/models"
)

// Client is a JSON-RPC client with rate limiting, retries, and structured
// logging, shared by the chain watchers.
type Client struct {
	Endpoint    string
	ApiKey      string
	RateLimiter *rate.Limiter
	MaxRetries  int
	RetryDelay  time.Duration
	Logger      zerolog.Logger
	HTTPClient  *http.Client
}

// NewClient creates a new RPC client with the given configuration
func NewClient(endpoint, apiKey string, rateLimit float64, maxRetries int, retryDelay, httpTimeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		Endpoint:    endpoint,
		ApiKey:      apiKey,
		RateLimiter: rate.NewLimiter(rate.Limit(rateLimit), 1),
		MaxRetries:  maxRetries,
		RetryDelay:  retryDelay,
		Logger:      logger,
		HTTPClient: &http.Client{
			Timeout: httpTimeout,
			Transport: &CustomTransport{
				Base:   http.DefaultTransport,
				ApiKey: apiKey,
			},
		},
	}
}

// CustomTransport adds API key authentication to HTTP requests
type CustomTransport struct {
	Base   http.RoundTripper
	ApiKey string
}

func (t *CustomTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	if t.ApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.ApiKey)
	}
	return t.Base.RoundTrip(req)
}

// Call performs a JSON-RPC call against the configured endpoint.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (*models.RPCResponse, error) {
	c.Logger.Debug().
		Str("url", c.Endpoint).
		Str("method", method).
		Interface("params", params).
		Msg("Making RPC call")

	if err := c.RateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit error: %v", err)
	}

	request := models.RPCRequest{
		Jsonrpc: "2.0",
		ID:      "1",
		Method:  method,
		Params:  params,
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	var response models.RPCResponse
	err = c.retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer func(body io.ReadCloser) {
			_ = body.Close()
		}(resp.Body)

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP error: %d - %s", resp.StatusCode, resp.Status)
		}

		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return fmt.Errorf("failed to decode response: %v", err)
		}

		if response.Error != nil {
			return fmt.Errorf("RPC error: %d - %s", response.Error.Code, response.Error.Message)
		}
		return nil
	})
	if err != nil {
		c.Logger.Error().
			Err(err).
			Str("method", method).
			Interface("params", params).
			Msg("RPC call failed")
		return nil, err
	}

	return &response, nil
}

func (c *Client) retry(fn func() error) error {
	var err error
	for i := 0; i < c.MaxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(c.RetryDelay)
	}
	return err
}

// Close releases idle connections held by the underlying HTTP client.
func (c *Client) Close() {
	if c.HTTPClient != nil {
		c.HTTPClient.CloseIdleConnections()
	}
}
