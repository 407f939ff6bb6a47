// Package provider calls the upstream inference service over its
// OpenAI-compatible chat completions endpoint.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ganger-platform/aigateway/pkg/config"
	"github.com/ganger-platform/aigateway/pkg/models"
)

// Provider sends one chat completion to one model.
type Provider interface {
	Complete(ctx context.Context, req models.ChatCompletionRequest) (*Result, error)
}

// Result is a successful completion.
type Result struct {
	Response *models.ChatCompletionResponse
	Usage    models.Usage
	// Estimated is set when the provider returned no usage block.
	Estimated bool
	Latency   time.Duration
}

// Client is the HTTP Provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client from provider config.
func New(cfg config.ProviderConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// upstreamResult holds the raw response from one attempt.
type upstreamResult struct {
	statusCode int
	body       []byte
	header     http.Header
}

// Complete posts req to /v1/chat/completions. Errors are *models.Error with a
// code the dispatch engine classifies as transient or permanent.
func (c *Client) Complete(ctx context.Context, req models.ChatCompletionRequest) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, models.NewError(models.CodeInvalidRequest, fmt.Errorf("encode request: %w", err))
	}

	start := time.Now()
	res, err := c.doUpstreamRequest(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if res.statusCode != http.StatusOK {
		return nil, classifyStatus(res)
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(res.body, &resp); err != nil {
		return nil, models.NewError(models.CodeModelUnavailable, fmt.Errorf("decode response: %w", err))
	}

	out := &Result{Response: &resp, Latency: time.Since(start)}
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		out.Usage = *resp.Usage
	} else {
		out.Usage = EstimateUsage(req.Messages, resp.Content())
		out.Estimated = true
	}
	return out, nil
}

func (c *Client) doUpstreamRequest(ctx context.Context, path string, body []byte) (*upstreamResult, error) {
	target, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String()+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &upstreamResult{
		statusCode: resp.StatusCode,
		body:       respBody,
		header:     resp.Header,
	}, nil
}

func classifyTransport(err error) *models.Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return models.NewError(models.CodeTimeoutError, err)
	}
	return models.NewError(models.CodeNetworkError, err)
}

func classifyStatus(res *upstreamResult) *models.Error {
	cause := fmt.Errorf("provider returned %d: %s", res.statusCode, truncate(res.body, 200))
	switch {
	case res.statusCode == http.StatusTooManyRequests:
		e := models.NewError(models.CodeRateLimitExceeded, cause)
		e.RetryAfter = parseRetryAfter(res.header.Get("Retry-After"), time.Now())
		return e
	case res.statusCode == http.StatusUnauthorized || res.statusCode == http.StatusForbidden:
		return models.NewError(models.CodeAuthenticationRequired, cause)
	case res.statusCode >= 500:
		return models.NewError(models.CodeModelUnavailable, cause)
	case res.statusCode == http.StatusRequestTimeout:
		return models.NewError(models.CodeTimeoutError, cause)
	default:
		return models.NewError(models.CodeInvalidRequest, cause)
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date; zero means absent.
func parseRetryAfter(v string, now time.Time) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return int((d + time.Second - 1) / time.Second)
		}
	}
	return 0
}

// EstimateUsage approximates token counts at one token per four characters.
func EstimateUsage(messages []models.ChatMessage, completion string) models.Usage {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	u := models.Usage{
		PromptTokens:     EstimateTokens(chars),
		CompletionTokens: EstimateTokens(len(completion)),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// EstimateTokens returns ceil(chars/4).
func EstimateTokens(chars int) int {
	return (chars + 3) / 4
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
