package drift

import (
	"fmt"
	"strings"

	"github.com/statecraft/statecraft/pkg/state"
)

// applyRemediation marks the finding auto-remediable and attaches the
// ordered action plan when the allow/deny table permits it.
func applyRemediation(rules Rules, f *state.DriftDetection) {
	if !remediationEligible(rules, f) {
		return
	}
	f.AutoRemediationAvailable = true
	f.RemediationActions = remediationActions(f)
}

// remediationEligible applies the allow/deny table. Identity properties
// are never eligible, deny entries override allow entries, and an empty
// allow list allows nothing.
func remediationEligible(rules Rules, f *state.DriftDetection) bool {
	if f.PropertyName != "" && rules.IsIdentity(f.PropertyName) {
		return false
	}
	if matchesRuleList(rules.AutoRemediationDeny, f) {
		return false
	}
	return matchesRuleList(rules.AutoRemediationAllow, f)
}

// matchesRuleList reports whether any entry names the finding's drift
// type or property.
func matchesRuleList(list []string, f *state.DriftDetection) bool {
	for _, entry := range list {
		if strings.EqualFold(entry, string(f.DriftType)) {
			return true
		}
		if f.PropertyName != "" && strings.EqualFold(entry, f.PropertyName) {
			return true
		}
	}
	return false
}

// remediationActions synthesizes the ordered steps to converge the
// observed resource back onto its declared state.
func remediationActions(f *state.DriftDetection) []string {
	switch f.DriftType {
	case state.DriftTypePropertyChanged:
		return []string{
			fmt.Sprintf("record observed value of %q for rollback", f.PropertyName),
			fmt.Sprintf("apply declared value to %q", f.PropertyName),
			"re-run discovery to confirm convergence",
		}
	case state.DriftTypePropertyMissing:
		return []string{
			fmt.Sprintf("re-apply declared configuration for %q", f.PropertyName),
			fmt.Sprintf("re-run discovery to confirm %q is present", f.PropertyName),
		}
	case state.DriftTypePropertyAdded:
		return []string{
			fmt.Sprintf("remove undeclared property %q", f.PropertyName),
			"re-run discovery to confirm removal",
		}
	case state.DriftTypeStateChanged:
		if f.Actual == string(state.StateError) {
			return []string{
				"collect diagnostics from the resource",
				"restart or reprovision the resource",
				fmt.Sprintf("confirm state returns to %v", f.Expected),
			}
		}
		return []string{
			fmt.Sprintf("transition resource from %v back to %v", f.Actual, f.Expected),
			"confirm the state transition holds",
		}
	case state.DriftTypeSecurityDrift:
		return []string{
			fmt.Sprintf("rotate or re-issue the affected material for %q", f.PropertyName),
			"re-apply declared security configuration",
			"re-run discovery to confirm convergence",
		}
	case state.DriftTypeConfigDrift:
		return []string{
			"re-apply the full declared configuration",
			"re-run discovery and recompute checksums",
		}
	case state.DriftTypePerformanceDrift:
		return []string{
			fmt.Sprintf("review capacity and utilization for %q", f.PropertyName),
			"re-run discovery to confirm the metric has settled",
		}
	default:
		return nil
	}
}
