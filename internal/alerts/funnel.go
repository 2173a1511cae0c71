package alerts

import "github.com/liamashdown/peggwatch/internal/model"

// Eligible applies the severity funnel. SYSTEM alerts and HIGH or CRITICAL alerts reach the
// broadcast tier, HIGH and CRITICAL reach messaging, and only CRITICAL reaches public.
// A more severe alert is never eligible for fewer tiers than a less severe one.
func Eligible(a *model.Alert, tier Tier) bool {
	urgent := false
	switch a.Severity {
	case model.SeverityHigh, model.SeverityCritical:
		urgent = true
	case model.SeverityInfo, model.SeverityLow, model.SeverityMedium:
	}

	switch tier {
	case TierBroadcast:
		switch a.Category {
		case model.CategorySystem:
			return true
		case model.CategoryPeg, model.CategoryWhale:
			return urgent
		}
		return false
	case TierMessaging:
		return urgent
	case TierPublic:
		return a.Severity == model.SeverityCritical
	}
	return false
}
