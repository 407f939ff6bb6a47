package models

// BudgetLevel classifies spend against a daily budget.
type BudgetLevel string

const (
	BudgetHealthy  BudgetLevel = "healthy"
	BudgetWarning  BudgetLevel = "warning"
	BudgetCritical BudgetLevel = "critical"
	BudgetExceeded BudgetLevel = "exceeded"
)

// LevelFor returns the budget level for used against limit.
// Warning starts at 75% and critical at 90%.
func LevelFor(used, limit float64) BudgetLevel {
	if limit <= 0 {
		return BudgetHealthy
	}
	switch {
	case used >= limit:
		return BudgetExceeded
	case used >= limit*0.9:
		return BudgetCritical
	case used >= limit*0.75:
		return BudgetWarning
	}
	return BudgetHealthy
}

// BudgetStatus shows current usage against one scope's daily limits.
type BudgetStatus struct {
	Scope           string      `json:"scope"`
	RequestsToday   int64       `json:"requests_today"`
	RequestLimit    int         `json:"request_limit"`
	CostToday       float64     `json:"cost_today"`
	DailyBudget     float64     `json:"daily_budget"`
	RemainingBudget float64     `json:"remaining_budget"`
	Level           BudgetLevel `json:"level"`
}
