package domain

// PlanType identifies a subscription plan. Validation happens once at
// the boundary; services trust the enum after that.
type PlanType string

const (
	PlanFree       PlanType = "free"
	PlanStarter    PlanType = "starter"
	PlanPro        PlanType = "pro"
	PlanEnterprise PlanType = "enterprise"
)

// monthlyAllotments maps each plan to the credits granted per cycle.
var monthlyAllotments = map[PlanType]int64{
	PlanFree:       25,
	PlanStarter:    500,
	PlanPro:        2500,
	PlanEnterprise: 10000,
}

// ValidPlanType reports whether plan is a known plan.
func ValidPlanType(plan PlanType) bool {
	_, ok := monthlyAllotments[plan]
	return ok
}

// MonthlyAllotment returns the credits a plan grants each billing cycle.
func MonthlyAllotment(plan PlanType) int64 {
	return monthlyAllotments[plan]
}
