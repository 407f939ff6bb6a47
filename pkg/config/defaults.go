package config

import (
	"time"

	"github.com/ganger-platform/aigateway/pkg/models"
)

func model(id string, maxTokens int, cost float64, tier int, caps []models.UseCase, rl models.RateLimit) models.ModelDescriptor {
	return models.ModelDescriptor{
		ID:             id,
		MaxTokens:      maxTokens,
		CostPerToken:   cost,
		Capabilities:   caps,
		Tier:           tier,
		HIPAACompliant: true,
		RateLimit:      rl,
	}
}

// DefaultModels returns the built-in model catalog.
func DefaultModels() []models.ModelDescriptor {
	return []models.ModelDescriptor{
		model("llama-4-scout-17b-16e-instruct", 2048, 0.000125, 1,
			[]models.UseCase{models.UseCasePatientCommunication, models.UseCaseClinicalDocumentation, models.UseCaseComplexReasoning},
			models.RateLimit{RequestsPerMinute: 20, RequestsPerHour: 1000, DailyBudget: 50, CooldownMs: 1000, DailyRequestLimit: 1000}),
		model("llama-3.3-70b-instruct-fp8-fast", 1024, 0.000125, 1,
			[]models.UseCase{models.UseCaseRealTimeChat, models.UseCasePatientCommunication},
			models.RateLimit{RequestsPerMinute: 50, RequestsPerHour: 2000, DailyBudget: 25, CooldownMs: 500, DailyRequestLimit: 2000}),
		model("llama-guard-3-8b", 512, 0.000011, 1,
			[]models.UseCase{models.UseCaseSafetyFiltering},
			models.RateLimit{RequestsPerMinute: 100, RequestsPerHour: 5000, DailyBudget: 10, CooldownMs: 100, DailyRequestLimit: 10000}),
		model("qwq-32b", 4096, 0.000087, 2,
			[]models.UseCase{models.UseCaseComplexReasoning, models.UseCaseBusinessIntelligence},
			models.RateLimit{RequestsPerMinute: 10, RequestsPerHour: 500, DailyBudget: 20, CooldownMs: 2000, DailyRequestLimit: 200}),
		model("llama-3.2-11b-vision-instruct", 2048, 0.00008, 2,
			[]models.UseCase{models.UseCaseDocumentProcessing},
			models.RateLimit{RequestsPerMinute: 15, RequestsPerHour: 400, DailyBudget: 15, CooldownMs: 1500, DailyRequestLimit: 400}),
		model("whisper-large-v3-turbo", 1024, 0.00006, 2,
			[]models.UseCase{models.UseCaseVoiceProcessing},
			models.RateLimit{RequestsPerMinute: 30, RequestsPerHour: 1000, DailyBudget: 10, CooldownMs: 500, DailyRequestLimit: 1000}),
		model("melotts", 2048, 0.00005, 2,
			[]models.UseCase{models.UseCaseVoiceProcessing},
			models.RateLimit{RequestsPerMinute: 20, RequestsPerHour: 800, DailyBudget: 8, CooldownMs: 800, DailyRequestLimit: 800}),
		model("llama-3.2-3b-instruct", 4096, 0.00006, 1,
			[]models.UseCase{models.UseCasePatientCommunication, models.UseCaseDocumentGeneration, models.UseCaseRealTimeChat},
			models.RateLimit{RequestsPerMinute: 120, RequestsPerHour: 3600, DailyBudget: 20, CooldownMs: 100, DailyRequestLimit: 10000}),
		model("llama-3.2-1b-instruct", 2048, 0.00005, 1,
			[]models.UseCase{models.UseCasePatientCommunication, models.UseCaseRealTimeChat},
			models.RateLimit{RequestsPerMinute: 150, RequestsPerHour: 4000, DailyBudget: 15, CooldownMs: 50, DailyRequestLimit: 12000}),
		model("bge-m3", 512, 0.00002, 2,
			[]models.UseCase{models.UseCaseEmbeddings},
			models.RateLimit{RequestsPerMinute: 100, RequestsPerHour: 3000, DailyBudget: 5, CooldownMs: 200, DailyRequestLimit: 5000}),
		model("bge-reranker-base", 512, 0.00003, 2,
			[]models.UseCase{models.UseCaseReranking},
			models.RateLimit{RequestsPerMinute: 100, RequestsPerHour: 3000, DailyBudget: 5, CooldownMs: 200, DailyRequestLimit: 5000}),
	}
}

func app(name string, rpm, rph int, budget float64, daily int, ttl time.Duration) models.AppProfile {
	return models.AppProfile{
		Name: name,
		RateLimit: models.RateLimit{
			RequestsPerMinute: rpm,
			RequestsPerHour:   rph,
			DailyBudget:       budget,
			DailyRequestLimit: daily,
		},
		CacheTTLSeconds: int(ttl.Seconds()),
	}
}

// DefaultApps returns the built-in application profiles.
func DefaultApps() []models.AppProfile {
	return []models.AppProfile{
		app("ai-receptionist", 100, 2000, 50, 2000, 2*time.Minute),
		app("clinical-staffing", 20, 500, 20, 500, 30*time.Minute),
		app("checkin-kiosk", 50, 1000, 25, 1000, 5*time.Minute),
		app("eos-l10", 15, 300, 15, 300, time.Hour),
		app("inventory", 10, 200, 8, 200, 15*time.Minute),
		app("handouts", 15, 300, 10, 300, 2*time.Hour),
		app("medication-auth", 25, 600, 18, 600, 10*time.Minute),
		app("pharma-scheduling", 10, 200, 8, 200, 4*time.Hour),
		app("call-center-ops", 30, 800, 22, 800, 5*time.Minute),
		app("batch-closeout", 5, 100, 5, 100, time.Hour),
		app("socials-reviews", 8, 150, 6, 150, 6*time.Hour),
		app("compliance-training", 12, 250, 10, 250, 24*time.Hour),
		app("platform-dashboard", 20, 400, 12, 400, 15*time.Minute),
		app("config-dashboard", 5, 100, 4, 100, time.Hour),
		app("component-showcase", 3, 50, 2, 50, time.Hour),
		app("staff", 25, 600, 15, 600, 30*time.Minute),
		app("integration-status", 8, 150, 5, 150, 10*time.Minute),
	}
}

// DefaultSelection returns the use case to model table, in preference order.
func DefaultSelection() map[models.UseCase][]string {
	return map[models.UseCase][]string{
		models.UseCasePatientCommunication:  {"llama-4-scout-17b-16e-instruct", "llama-3.3-70b-instruct-fp8-fast"},
		models.UseCaseClinicalDocumentation: {"llama-4-scout-17b-16e-instruct"},
		models.UseCaseBusinessIntelligence:  {"qwq-32b", "llama-4-scout-17b-16e-instruct"},
		models.UseCaseDocumentProcessing:    {"llama-3.2-11b-vision-instruct", "bge-m3", "bge-reranker-base"},
		models.UseCaseDocumentGeneration:    {"llama-4-scout-17b-16e-instruct", "llama-3.2-3b-instruct"},
		models.UseCaseVoiceProcessing:       {"whisper-large-v3-turbo", "melotts"},
		models.UseCaseSafetyFiltering:       {"llama-guard-3-8b"},
		models.UseCaseRealTimeChat:          {"llama-3.3-70b-instruct-fp8-fast", "llama-4-scout-17b-16e-instruct"},
		models.UseCaseComplexReasoning:      {"qwq-32b", "llama-4-scout-17b-16e-instruct"},
		models.UseCaseEmbeddings:            {"bge-m3"},
		models.UseCaseReranking:             {"bge-reranker-base"},
	}
}

// DefaultEmergency returns the platform circuit breaker thresholds.
func DefaultEmergency() EmergencyConfig {
	return EmergencyConfig{
		CostPerHour:          100,
		CostPerDay:           1000,
		RequestsPerMinute:    500,
		ErrorRate:            0.1,
		ErrorRateWindow:      5 * time.Minute,
		ErrorRateMinSamples:  20,
		ConsecutiveFailures:  10,
		DailyBudgetWarning:   0.8,
		DailyBudgetEmergency: 0.95,
		RecoveryWait:         15 * time.Minute,
		RecoveryGradualLimit: 0.5,
		FullRecovery:         time.Hour,
		EvaluateEvery:        10,
		MonitorInterval:      10 * time.Second,
	}
}
