// Package score implements the final pipeline stage: deduplicate the
// candidate into a canonical business, compute its lead score, and persist
// the ranking.
package score

import "github.com/sells-group/leadgen/internal/model"

// Fixed weights. ICP is a constant baseline until firmographic matching
// lands; ComplianceRisk is reserved for future compliance signals.
const (
	weightICP            = 20
	weightComplianceRisk = 0

	painWithWebsite    = 10
	painWithoutWebsite = 20

	reachabilityWithPhone    = 15
	reachabilityWithoutPhone = 5
)

// Compute derives the subscores for a candidate. A business without a
// website scores higher on Pain: it is a stronger prospect for the
// services being sold.
func Compute(c model.Candidate) model.Subscores {
	sub := model.Subscores{
		ICP:            weightICP,
		ComplianceRisk: weightComplianceRisk,
	}
	if c.Website != "" {
		sub.Pain = painWithWebsite
	} else {
		sub.Pain = painWithoutWebsite
	}
	if c.Phone != "" {
		sub.Reachability = reachabilityWithPhone
	} else {
		sub.Reachability = reachabilityWithoutPhone
	}
	return sub
}

// Total sums the subscores into a score clamped to [0, 100].
func Total(sub model.Subscores) int {
	total := sub.ICP + sub.Pain + sub.Reachability - sub.ComplianceRisk
	if total < 0 {
		return 0
	}
	if total > 100 {
		return 100
	}
	return total
}
