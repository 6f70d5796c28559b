package entitlement

import (
	"errors"
	"fmt"
	"sort"
)

// Feature names a capability gated behind an active entitlement.
type Feature string

const (
	FeatureExport         Feature = "export"          // Export of scan reports
	FeatureHistory        Feature = "history"         // Saved scan history
	FeatureAdvancedChecks Feature = "advanced_checks" // Extended rule set
)

// ErrFeatureLocked is returned by Require when the entitlement does not grant a feature.
var ErrFeatureLocked = errors.New("feature requires an active Pro license")

// planFeatures lists capabilities per plan. Plans not listed get the pro set,
// since a verified entitlement always names at least "pro".
var planFeatures = map[string][]Feature{
	"pro": {FeatureExport, FeatureHistory, FeatureAdvancedChecks},
}

// FeaturesForPlan returns the sorted capabilities of plan.
func FeaturesForPlan(plan string) []Feature {
	features, ok := planFeatures[plan]
	if !ok {
		features = planFeatures["pro"]
	}
	out := append([]Feature(nil), features...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Allowed reports whether the cached entitlement grants feature now.
func (c *Cache) Allowed(feature Feature) bool {
	status := c.Status()
	if !IsActive(status, c.now()) {
		return false
	}
	for _, f := range FeaturesForPlan(status.Plan) {
		if f == feature {
			return true
		}
	}
	return false
}

// Require returns ErrFeatureLocked unless feature is allowed.
func (c *Cache) Require(feature Feature) error {
	if c.Allowed(feature) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrFeatureLocked, feature)
}
