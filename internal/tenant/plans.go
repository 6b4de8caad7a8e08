package tenant

// Plan is a subscription tier with its price and usage limits.
type Plan struct {
	Name                 string `json:"name"`
	DisplayName          string `json:"displayName"`
	MonthlyPriceCents    int64  `json:"monthlyPriceCents"`
	AnnualPriceCents     int64  `json:"annualPriceCents"`
	MonthlyCompoundLimit int    `json:"monthlyCompoundLimit"` // 0 = unlimited
	UserLimit            int    `json:"userLimit"`            // 0 = unlimited
	StripePriceMonthly   string `json:"-"`
	StripePriceAnnual    string `json:"-"`
}

// PriceID returns the billing provider price for the period ("monthly" or
// "annual").
func (p Plan) PriceID(period string) string {
	if period == "annual" {
		return p.StripePriceAnnual
	}
	return p.StripePriceMonthly
}

const (
	PlanStarter      = "starter"
	PlanProfessional = "professional"
	PlanEnterprise   = "enterprise"

	// DefaultPlan is assigned to every newly registered organization.
	DefaultPlan = PlanStarter
)

// Plans is the built-in catalogue. The migrations seed the same rows into
// subscription_plans; annual billing is priced at ten months.
var Plans = map[string]Plan{
	PlanStarter: {
		Name:                 PlanStarter,
		DisplayName:          "Starter",
		MonthlyPriceCents:    19900,
		AnnualPriceCents:     199000,
		MonthlyCompoundLimit: 100,
		UserLimit:            3,
		StripePriceMonthly:   "price_starter_monthly",
		StripePriceAnnual:    "price_starter_annual",
	},
	PlanProfessional: {
		Name:                 PlanProfessional,
		DisplayName:          "Professional",
		MonthlyPriceCents:    39900,
		AnnualPriceCents:     399000,
		MonthlyCompoundLimit: 500,
		UserLimit:            10,
		StripePriceMonthly:   "price_professional_monthly",
		StripePriceAnnual:    "price_professional_annual",
	},
	PlanEnterprise: {
		Name:                 PlanEnterprise,
		DisplayName:          "Enterprise",
		MonthlyPriceCents:    69900,
		AnnualPriceCents:     699000,
		MonthlyCompoundLimit: 0,
		UserLimit:            0,
		StripePriceMonthly:   "price_enterprise_monthly",
		StripePriceAnnual:    "price_enterprise_annual",
	},
}
