package models

import "time"

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatConfig carries optional per-call settings.
type ChatConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	// Clinical forces HIPAA-compliant routing for use cases that are not clinical by default.
	Clinical bool `json:"clinical,omitempty"`
	// SkipCache bypasses the response cache for this call.
	SkipCache bool `json:"skip_cache,omitempty"`
}

// RequestStatus is the lifecycle state of a governed call.
type RequestStatus string

const (
	StatusPending        RequestStatus = "pending"
	StatusAdmitted       RequestStatus = "admitted"
	StatusRetrying       RequestStatus = "retrying"
	StatusSucceeded      RequestStatus = "succeeded"
	StatusRateLimited    RequestStatus = "rate_limited"
	StatusBudgetExceeded RequestStatus = "budget_exceeded"
	StatusSafetyBlocked  RequestStatus = "safety_blocked"
	StatusFailed         RequestStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusRateLimited, StatusBudgetExceeded, StatusSafetyBlocked, StatusFailed:
		return true
	}
	return false
}

// RequestEnvelope is one governed call, from entry until its terminal status is reported.
type RequestEnvelope struct {
	RequestID     string        `json:"request_id"`
	AppName       string        `json:"app_name"`
	UseCase       UseCase       `json:"use_case"`
	Messages      []ChatMessage `json:"messages"`
	Config        ChatConfig    `json:"config"`
	RequestedAt   time.Time     `json:"requested_at"`
	ResolvedModel string        `json:"resolved_model,omitempty"`
	AttemptCount  int           `json:"attempt_count"`
	Status        RequestStatus `json:"status"`
	Tried         []string      `json:"tried,omitempty"`
}

// Clinical reports whether the request must stay on HIPAA-compliant models.
func (e *RequestEnvelope) Clinical() bool {
	return e.UseCase.IsClinical() || e.Config.Clinical
}

// ChatCompletionRequest is the OpenAI-compatible request sent to the inference provider.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible provider response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Content returns the first choice's message text.
func (r *ChatCompletionResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ChatData is the successful payload returned to the caller.
type ChatData struct {
	RequestID string  `json:"request_id"`
	Model     string  `json:"model"`
	Content   string  `json:"content"`
	Tokens    int     `json:"tokens"`
	Cost      float64 `json:"cost"`
	Cached    bool    `json:"cached,omitempty"`
	// SafetyFlags lists warnings raised on allowed content.
	SafetyFlags []string `json:"safety_flags,omitempty"`
}

// ChatResult is the gateway's chat response envelope.
type ChatResult struct {
	Success bool          `json:"success"`
	Data    *ChatData     `json:"data,omitempty"`
	Usage   UsageSnapshot `json:"usage"`
	Error   *Error        `json:"error,omitempty"`
}
