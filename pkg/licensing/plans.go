package licensing

import (
	"strconv"
	"strings"
)

// Plan selectors accepted from the checkout flow.
const (
	PlanSelectorMonthly = "monthly"
	PlanSelectorYearly  = "yearly"
)

// Plan is the billing policy behind a selector.
type Plan struct {
	Selector     string
	Subject      string
	Amount       string // charged amount, two decimals
	DurationDays int
}

var (
	PlanMonthly = Plan{
		Selector:     PlanSelectorMonthly,
		Subject:      "SEO Preview Pro (monthly)",
		Amount:       "59.00",
		DurationDays: 30,
	}
	PlanYearly = Plan{
		Selector:     PlanSelectorYearly,
		Subject:      "SEO Preview Pro (yearly)",
		Amount:       "499.00",
		DurationDays: 365,
	}
)

// PlanForSelector maps a selector to its plan. Anything other than "yearly"
// is the monthly plan.
func PlanForSelector(selector string) Plan {
	if strings.EqualFold(strings.TrimSpace(selector), PlanSelectorYearly) {
		return PlanYearly
	}
	return PlanMonthly
}

// PlanForAmount infers the plan from a charged amount. It exists for payment
// confirmations that do not carry the selector; prefer PlanForSelector.
// Amounts are compared in cents, so "499.00", "499.0" and "499" agree.
func PlanForAmount(amount string) Plan {
	cents, ok := amountCents(amount)
	if ok {
		if yearly, _ := amountCents(PlanYearly.Amount); cents == yearly {
			return PlanYearly
		}
	}
	return PlanMonthly
}

func amountCents(amount string) (int64, bool) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, false
	}
	whole, frac, _ := strings.Cut(amount, ".")
	if len(frac) > 2 {
		if strings.Trim(frac[2:], "0") != "" {
			return 0, false
		}
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, false
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return w*100 + f, true
}
