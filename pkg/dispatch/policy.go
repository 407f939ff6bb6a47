// Package dispatch drives one admitted request through the provider, retrying
// transient failures on fresh candidate models.
package dispatch

import (
	"time"

	"github.com/ganger-platform/aigateway/pkg/config"
	"github.com/ganger-platform/aigateway/pkg/models"
)

// Policy bounds retries.
type Policy struct {
	Attempts  int           // total dispatches, first one included
	BaseDelay time.Duration // doubles each retry
	MaxDelay  time.Duration
}

// PolicyFrom converts retry config into a Policy.
func PolicyFrom(cfg config.RetryConfig) Policy {
	p := Policy{Attempts: cfg.Attempts, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay}
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	return p
}

// Verdict is what to do after a failed dispatch.
type Verdict int

const (
	Fail Verdict = iota
	Retry
)

// Action is the decision for a failed attempt.
type Action struct {
	Verdict Verdict
	Delay   time.Duration
	// Exclude is the model to skip when routing the retry.
	Exclude string
}

// Next maps a failed attempt to the next action. attempt counts from zero, so
// the first retry waits BaseDelay. Permanent errors and the last allowed
// attempt fail; a provider Retry-After replaces the computed backoff.
func Next(p Policy, attempt int, model string, err error) Action {
	e := models.AsError(err)
	if e == nil || !e.Code.Transient() || attempt+1 >= p.Attempts {
		return Action{Verdict: Fail}
	}
	delay := Backoff(p, attempt)
	if e.Code == models.CodeRateLimitExceeded && e.RetryAfter > 0 {
		delay = time.Duration(e.RetryAfter) * time.Second
	}
	return Action{Verdict: Retry, Delay: delay, Exclude: model}
}

// Backoff returns min(BaseDelay * 2^attempt, MaxDelay).
func Backoff(p Policy, attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
