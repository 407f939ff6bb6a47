package models

import "time"

// EmergencyMode is the platform-wide traffic mode.
type EmergencyMode int32

const (
	ModeNormal EmergencyMode = iota
	ModeSuspended
	ModeRecovering
)

func (m EmergencyMode) String() string {
	switch m {
	case ModeSuspended:
		return "suspended"
	case ModeRecovering:
		return "recovering"
	}
	return "normal"
}

// EmergencyState is a snapshot of the emergency controller.
type EmergencyState struct {
	Mode                EmergencyMode `json:"-"`
	ModeName            string        `json:"mode"`
	Suspended           bool          `json:"suspended"`
	SuspendedSince      *time.Time    `json:"suspended_since,omitempty"`
	RecoveringSince     *time.Time    `json:"recovering_since,omitempty"`
	Reason              string        `json:"reason,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentHourCost     float64       `json:"current_hour_cost"`
	CurrentDayCost      float64       `json:"current_day_cost"`
	RequestsLastMinute  int           `json:"requests_last_minute"`
	ErrorRate           float64       `json:"error_rate"`
	LimitFactor         float64       `json:"limit_factor"`
}
