package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ganger-platform/aigateway/pkg/config"
	"github.com/ganger-platform/aigateway/pkg/models"
)

func setupClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	upstream := httptest.NewServer(h)
	t.Cleanup(upstream.Close)
	return New(config.ProviderConfig{Name: "test", URL: upstream.URL + "/", APIKey: "sk-provider", Timeout: time.Second})
}

func chatRequest() models.ChatCompletionRequest {
	return models.ChatCompletionRequest{
		Model:    "@cf/meta/llama-3.1-8b-instruct",
		Messages: []models.ChatMessage{{Role: "user", Content: "Summarize the clinic schedule"}},
	}
}

func TestComplete(t *testing.T) {
	c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-provider" {
			t.Error("expected provider API key in upstream request")
		}
		var req models.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "@cf/meta/llama-3.1-8b-instruct" {
			t.Errorf("unexpected model %s", req.Model)
		}
		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: req.Model,
			Choices: []models.Choice{
				{Message: models.ChatMessage{Role: "assistant", Content: "Clinic opens at 8."}, FinishReason: "stop"},
			},
			Usage: &models.Usage{PromptTokens: 12, CompletionTokens: 6, TotalTokens: 18},
		})
	})

	res, err := c.Complete(context.Background(), chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Content() != "Clinic opens at 8." {
		t.Errorf("unexpected content %q", res.Response.Content())
	}
	if res.Usage.TotalTokens != 18 || res.Estimated {
		t.Errorf("expected provider usage, got %+v estimated=%v", res.Usage, res.Estimated)
	}
}

func TestCompleteEstimatesMissingUsage(t *testing.T) {
	c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			Choices: []models.Choice{{Message: models.ChatMessage{Role: "assistant", Content: "12345678"}}},
		})
	})

	res, err := c.Complete(context.Background(), chatRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Estimated {
		t.Error("expected estimated usage")
	}
	// 29 prompt chars round up to 8 tokens; 8 completion chars are 2.
	if res.Usage.PromptTokens != 8 || res.Usage.CompletionTokens != 2 || res.Usage.TotalTokens != 10 {
		t.Errorf("unexpected usage %+v", res.Usage)
	}
}

func TestCompleteErrorCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header string
		want   models.Code
		retry  int
	}{
		{"server error", http.StatusBadGateway, "", models.CodeModelUnavailable, 0},
		{"throttled", http.StatusTooManyRequests, "7", models.CodeRateLimitExceeded, 7},
		{"unauthorized", http.StatusUnauthorized, "", models.CodeAuthenticationRequired, 0},
		{"forbidden", http.StatusForbidden, "", models.CodeAuthenticationRequired, 0},
		{"bad request", http.StatusBadRequest, "", models.CodeInvalidRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			})
			_, err := c.Complete(context.Background(), chatRequest())
			e := models.AsError(err)
			if e == nil || e.Code != tt.want {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
			if e.RetryAfter != tt.retry {
				t.Errorf("expected retry after %d, got %d", tt.retry, e.RetryAfter)
			}
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, chatRequest())
	if got := models.CodeOf(err); got != models.CodeTimeoutError {
		t.Errorf("expected TIMEOUT_ERROR, got %s (%v)", got, err)
	}
}

func TestCompleteNetworkError(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	c := New(config.ProviderConfig{URL: url, Timeout: time.Second})
	_, err := c.Complete(context.Background(), chatRequest())
	if got := models.CodeOf(err); got != models.CodeNetworkError {
		t.Errorf("expected NETWORK_ERROR, got %s (%v)", got, err)
	}
	if !models.CodeOf(err).Transient() {
		t.Error("network errors should be transient")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("", now); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := parseRetryAfter("-3", now); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now); got != 90 {
		t.Errorf("expected 90, got %d", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	for chars, want := range map[int]int{0: 0, 1: 1, 4: 1, 5: 2, 400: 100} {
		if got := EstimateTokens(chars); got != want {
			t.Errorf("EstimateTokens(%d) = %d, want %d", chars, got, want)
		}
	}
}
