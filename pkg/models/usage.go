package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageSnapshot is the per-app usage attached to every chat result.
type UsageSnapshot struct {
	RequestsToday   int64   `json:"requests_today"`
	CostToday       float64 `json:"cost_today"`
	RemainingBudget float64 `json:"remaining_budget"`
}

// UsageEvent is one row of the usage event log.
type UsageEvent struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	App            string    `json:"app"`
	Model          string    `json:"model"`
	UseCase        UseCase   `json:"use_case"`
	RequestID      string    `json:"request_id"`
	TokensUsed     int       `json:"tokens_used"`
	Cost           float64   `json:"cost"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Success        bool      `json:"success"`
	ErrorCode      Code      `json:"error_code,omitempty"`
	SafetyScore    float64   `json:"safety_score"`
	ContainsPHI    bool      `json:"contains_phi"`
}

// TopModel counts requests served by one model.
type TopModel struct {
	Model string `json:"model"`
	Count int    `json:"count"`
}

// UsageReport answers getUsage for one app or for the whole platform.
type UsageReport struct {
	App             string      `json:"app,omitempty"`
	Requests        int64       `json:"requests"`
	Cost            float64     `json:"cost"`
	RemainingBudget float64     `json:"remaining_budget"`
	Budget          float64     `json:"budget"`
	Status          BudgetLevel `json:"status"`
	TopModels       []TopModel  `json:"top_models"`
}

// UsageSummary aggregates logged events per app and model.
type UsageSummary struct {
	App          string  `json:"app"`
	Model        string  `json:"model"`
	RequestCount int     `json:"request_count"`
	Failures     int     `json:"failures"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}
