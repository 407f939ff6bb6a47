package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ganger-platform/aigateway/pkg/models"
)

// ErrInvalid is returned when a configuration fails validation.
var ErrInvalid = errors.New("invalid config")

// Config holds all gateway configuration.
type Config struct {
	Listen              string                      `yaml:"listen" toml:"listen"`
	RequestTimeout      time.Duration               `yaml:"request_timeout" toml:"request_timeout"`
	Log                 LogConfig                   `yaml:"log" toml:"log"`
	Auth                AuthConfig                  `yaml:"auth" toml:"auth"`
	Provider            ProviderConfig              `yaml:"provider" toml:"provider"`
	Models              []models.ModelDescriptor    `yaml:"models" toml:"models"`
	Apps                []models.AppProfile         `yaml:"apps" toml:"apps"`
	Selection           map[models.UseCase][]string `yaml:"selection" toml:"selection"`
	PlatformDailyBudget float64                     `yaml:"platform_daily_budget" toml:"platform_daily_budget"`
	Emergency           EmergencyConfig             `yaml:"emergency" toml:"emergency"`
	Safety              SafetyConfig                `yaml:"safety" toml:"safety"`
	Retry               RetryConfig                 `yaml:"retry" toml:"retry"`
	Ledger              LedgerConfig                `yaml:"ledger" toml:"ledger"`
	Tracker             TrackerConfig               `yaml:"tracker" toml:"tracker"`
	Cache               CacheConfig                 `yaml:"cache" toml:"cache"`
	Audit               models.AuditConfig          `yaml:"audit" toml:"audit"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// AuthConfig controls bearer token authentication on the HTTP API.
// An empty JWTSecret disables authentication (dev mode).
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl" toml:"token_ttl"`
}

// ProviderConfig defines the upstream inference provider.
type ProviderConfig struct {
	Name    string        `yaml:"name" toml:"name"`
	URL     string        `yaml:"url" toml:"url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// EmergencyConfig holds the platform circuit breaker thresholds.
type EmergencyConfig struct {
	CostPerHour          float64       `yaml:"cost_per_hour" toml:"cost_per_hour"`
	CostPerDay           float64       `yaml:"cost_per_day" toml:"cost_per_day"`
	RequestsPerMinute    int           `yaml:"requests_per_minute" toml:"requests_per_minute"`
	ErrorRate            float64       `yaml:"error_rate" toml:"error_rate"`
	ErrorRateWindow      time.Duration `yaml:"error_rate_window" toml:"error_rate_window"`
	ErrorRateMinSamples  int           `yaml:"error_rate_min_samples" toml:"error_rate_min_samples"`
	ConsecutiveFailures  int           `yaml:"consecutive_failures" toml:"consecutive_failures"`
	DailyBudgetWarning   float64       `yaml:"daily_budget_warning" toml:"daily_budget_warning"`
	DailyBudgetEmergency float64       `yaml:"daily_budget_emergency" toml:"daily_budget_emergency"`
	RecoveryWait         time.Duration `yaml:"recovery_wait" toml:"recovery_wait"`
	RecoveryGradualLimit float64       `yaml:"recovery_gradual_limit" toml:"recovery_gradual_limit"`
	FullRecovery         time.Duration `yaml:"full_recovery" toml:"full_recovery"`
	EvaluateEvery        int           `yaml:"evaluate_every" toml:"evaluate_every"`
	MonitorInterval      time.Duration `yaml:"monitor_interval" toml:"monitor_interval"`
}

// SafetyConfig holds the safety gate thresholds.
type SafetyConfig struct {
	Enabled          bool                   `yaml:"enabled" toml:"enabled"`
	MinimumScore     float64                `yaml:"minimum_score" toml:"minimum_score"`
	WarningThreshold float64                `yaml:"warning_threshold" toml:"warning_threshold"`
	StrictThreshold  float64                `yaml:"strict_threshold" toml:"strict_threshold"`
	Compliance       models.ComplianceLevel `yaml:"compliance" toml:"compliance"`
	AuditUseCases    []models.UseCase       `yaml:"audit_use_cases" toml:"audit_use_cases"`
	ScreenResponses  bool                   `yaml:"screen_responses" toml:"screen_responses"`
}

// RetryConfig controls dispatch retries.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts" toml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" toml:"max_delay"`
}

// LedgerConfig selects the usage ledger backing store.
type LedgerConfig struct {
	// Backend is one of "memory", "sqlite", "postgres", "redis".
	Backend       string        `yaml:"backend" toml:"backend"`
	DSN           string        `yaml:"dsn" toml:"dsn"`
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" toml:"redis_db"`
	Grace         time.Duration `yaml:"grace" toml:"grace"`
	PruneSchedule string        `yaml:"prune_schedule" toml:"prune_schedule"`
}

// TrackerConfig controls the usage event log.
type TrackerConfig struct {
	DBPath        string `yaml:"db_path" toml:"db_path"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled"`
	DBPath     string        `yaml:"db_path" toml:"db_path"`
	DefaultTTL time.Duration `yaml:"default_ttl" toml:"default_ttl"`
}

// Default returns a Config with the built-in catalog and thresholds.
func Default() *Config {
	return &Config{
		Listen:         ":8080",
		RequestTimeout: 60 * time.Second,
		Log:            LogConfig{Level: "info", Format: "text"},
		Auth:           AuthConfig{TokenTTL: 24 * time.Hour},
		Provider: ProviderConfig{
			Name:    "workers-ai",
			URL:     "http://localhost:8787",
			Timeout: 30 * time.Second,
		},
		Models:              DefaultModels(),
		Apps:                DefaultApps(),
		Selection:           DefaultSelection(),
		PlatformDailyBudget: 200,
		Emergency:           DefaultEmergency(),
		Safety: SafetyConfig{
			Enabled:          true,
			MinimumScore:     0.8,
			WarningThreshold: 0.9,
			StrictThreshold:  0.95,
			Compliance:       models.ComplianceStandard,
			AuditUseCases:    []models.UseCase{models.UseCasePatientCommunication, models.UseCaseClinicalDocumentation},
			ScreenResponses:  true,
		},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: time.Second,
			MaxDelay:  10 * time.Second,
		},
		Ledger: LedgerConfig{
			Backend:       "sqlite",
			DSN:           "aigateway.db",
			Grace:         time.Hour,
			PruneSchedule: "*/5 * * * *",
		},
		Tracker: TrackerConfig{
			DBPath:        "aigateway.db",
			RetentionDays: 90,
		},
		Cache: CacheConfig{
			Enabled:    true,
			DBPath:     "aigateway.db",
			DefaultTTL: 5 * time.Minute,
		},
		Audit: models.AuditConfig{
			Enabled:       true,
			DBPath:        "aigateway-audit.db",
			RetentionDays: 2190,
			MaxBodySize:   8192,
		},
	}
}

// Load reads a YAML or TOML config file and expands environment variables.
// A .env file next to the config is loaded first; it never overrides variables
// that are already set.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	defaults := Default()
	cfg := Default()
	// Catalog entries in the file are merged over the defaults below.
	cfg.Models, cfg.Apps = nil, nil
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Models = mergeModels(defaults.Models, cfg.Models)
	cfg.Apps = mergeApps(defaults.Apps, cfg.Apps)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeModels keeps every override and adds defaults the file did not mention.
func mergeModels(defaults, overrides []models.ModelDescriptor) []models.ModelDescriptor {
	seen := make(map[string]bool, len(overrides))
	out := make([]models.ModelDescriptor, 0, len(defaults)+len(overrides))
	for _, m := range overrides {
		seen[m.ID] = true
		out = append(out, m)
	}
	for _, m := range defaults {
		if !seen[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func mergeApps(defaults, overrides []models.AppProfile) []models.AppProfile {
	seen := make(map[string]bool, len(overrides))
	out := make([]models.AppProfile, 0, len(defaults)+len(overrides))
	for _, a := range overrides {
		seen[a.Name] = true
		out = append(out, a)
	}
	for _, a := range defaults {
		if !seen[a.Name] {
			out = append(out, a)
		}
	}
	return out
}

// App returns the profile for name.
func (c *Config) App(name string) (models.AppProfile, bool) {
	for _, a := range c.Apps {
		if a.Name == name {
			return a, true
		}
	}
	return models.AppProfile{}, false
}

// AuditRequired reports whether a use case is always written to the audit trail.
func (c *Config) AuditRequired(u models.UseCase) bool {
	for _, a := range c.Safety.AuditUseCases {
		if a == u {
			return true
		}
	}
	return false
}

// Validate checks the catalog and thresholds, failing closed on anything inconsistent.
func (c *Config) Validate() error {
	ids := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("%w: model with empty id", ErrInvalid)
		}
		if ids[m.ID] {
			return fmt.Errorf("%w: duplicate model %q", ErrInvalid, m.ID)
		}
		ids[m.ID] = true
		if m.MaxTokens <= 0 || m.CostPerToken < 0 {
			return fmt.Errorf("%w: model %q: max_tokens must be positive and cost non-negative", ErrInvalid, m.ID)
		}
		if m.Tier != 1 && m.Tier != 2 {
			return fmt.Errorf("%w: model %q: tier must be 1 or 2", ErrInvalid, m.ID)
		}
		if err := validateLimit(m.RateLimit); err != nil {
			return fmt.Errorf("%w: model %q: %v", ErrInvalid, m.ID, err)
		}
	}

	names := make(map[string]bool, len(c.Apps))
	for _, a := range c.Apps {
		if a.Name == "" {
			return fmt.Errorf("%w: app with empty name", ErrInvalid)
		}
		if names[a.Name] {
			return fmt.Errorf("%w: duplicate app %q", ErrInvalid, a.Name)
		}
		names[a.Name] = true
		if err := validateLimit(a.RateLimit); err != nil {
			return fmt.Errorf("%w: app %q: %v", ErrInvalid, a.Name, err)
		}
	}

	for useCase, list := range c.Selection {
		if len(list) == 0 {
			return fmt.Errorf("%w: selection %q has no models", ErrInvalid, useCase)
		}
		for _, id := range list {
			if !ids[id] {
				return fmt.Errorf("%w: selection %q references unknown model %q", ErrInvalid, useCase, id)
			}
		}
	}

	for name, v := range map[string]float64{
		"safety.minimum_score":             c.Safety.MinimumScore,
		"safety.warning_threshold":         c.Safety.WarningThreshold,
		"safety.strict_threshold":          c.Safety.StrictThreshold,
		"emergency.error_rate":             c.Emergency.ErrorRate,
		"emergency.daily_budget_warning":   c.Emergency.DailyBudgetWarning,
		"emergency.daily_budget_emergency": c.Emergency.DailyBudgetEmergency,
		"emergency.recovery_gradual_limit": c.Emergency.RecoveryGradualLimit,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be within [0,1], got %v", ErrInvalid, name, v)
		}
	}
	if c.Safety.WarningThreshold < c.Safety.MinimumScore {
		return fmt.Errorf("%w: safety.warning_threshold below minimum_score", ErrInvalid)
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("%w: retry.attempts must be positive", ErrInvalid)
	}
	switch c.Ledger.Backend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("%w: unknown ledger backend %q", ErrInvalid, c.Ledger.Backend)
	}
	return nil
}

func validateLimit(rl models.RateLimit) error {
	if rl.RequestsPerMinute <= 0 || rl.RequestsPerHour <= 0 || rl.DailyRequestLimit <= 0 {
		return errors.New("request limits must be positive")
	}
	if rl.DailyBudget <= 0 {
		return errors.New("daily_budget must be positive")
	}
	if rl.CooldownMs < 0 {
		return errors.New("cooldown_ms must not be negative")
	}
	return nil
}
