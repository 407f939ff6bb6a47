package models

// UseCase tags what kind of task a request performs.
type UseCase string

const (
	UseCasePatientCommunication  UseCase = "patient_communication"
	UseCaseClinicalDocumentation UseCase = "clinical_documentation"
	UseCaseBusinessIntelligence  UseCase = "business_intelligence"
	UseCaseDocumentProcessing    UseCase = "document_processing"
	UseCaseDocumentGeneration    UseCase = "document_generation"
	UseCaseVoiceProcessing       UseCase = "voice_processing"
	UseCaseSafetyFiltering       UseCase = "safety_filtering"
	UseCaseRealTimeChat          UseCase = "real_time_chat"
	UseCaseComplexReasoning      UseCase = "complex_reasoning"
	UseCaseEmbeddings            UseCase = "embeddings"
	UseCaseReranking             UseCase = "reranking"
)

// IsClinical reports whether requests of this use case handle clinical content.
func (u UseCase) IsClinical() bool {
	return u == UseCasePatientCommunication || u == UseCaseClinicalDocumentation
}

// RateLimit bounds requests and spend for one scope. Zero fields are unlimited.
type RateLimit struct {
	RequestsPerMinute int     `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	RequestsPerHour   int     `json:"requests_per_hour" yaml:"requests_per_hour" toml:"requests_per_hour"`
	DailyBudget       float64 `json:"daily_budget" yaml:"daily_budget" toml:"daily_budget"`
	DailyRequestLimit int     `json:"daily_request_limit" yaml:"daily_request_limit" toml:"daily_request_limit"`
	CooldownMs        int     `json:"cooldown_ms,omitempty" yaml:"cooldown_ms" toml:"cooldown_ms"`
}

// ModelDescriptor describes one model in the registry.
type ModelDescriptor struct {
	ID             string    `json:"id" yaml:"id" toml:"id"`
	MaxTokens      int       `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	CostPerToken   float64   `json:"cost_per_token" yaml:"cost_per_token" toml:"cost_per_token"`
	Capabilities   []UseCase `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
	Tier           int       `json:"tier" yaml:"tier" toml:"tier"`
	HIPAACompliant bool      `json:"hipaa_compliant" yaml:"hipaa_compliant" toml:"hipaa_compliant"`
	RateLimit      RateLimit `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// EstimatedCost is the conservative upper bound reserved before dispatch.
func (m ModelDescriptor) EstimatedCost() float64 {
	return float64(m.MaxTokens) * m.CostPerToken
}

// HasCapability reports whether the model declares the use case.
func (m ModelDescriptor) HasCapability(u UseCase) bool {
	for _, c := range m.Capabilities {
		if c == u {
			return true
		}
	}
	return false
}

// AppProfile is the per-application limit configuration.
type AppProfile struct {
	Name      string    `json:"name" yaml:"name" toml:"name"`
	RateLimit RateLimit `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	// CacheTTLSeconds controls how long successful responses are cached for the app.
	CacheTTLSeconds int `json:"cache_ttl_seconds,omitempty" yaml:"cache_ttl_seconds" toml:"cache_ttl_seconds"`
}

// DailyBudget returns the app's daily spend ceiling.
func (a AppProfile) DailyBudget() float64 {
	return a.RateLimit.DailyBudget
}
