package detector

import (
	"time"

	"cewatcher/internal/rules"
	"cewatcher/internal/storage"
)

// ShouldNotify decides whether the rules triggered now are new information
// given the last notification sent for the same rate.
//
// A rate with no prior notification always notifies. A triggered set disjoint
// from the last one notifies regardless of timing. An overlapping set notifies
// only once more than window has elapsed since the last notification.
func ShouldNotify(current rules.Set, last *storage.Notification, now time.Time, window time.Duration) bool {
	if last == nil {
		return true
	}

	overlap := current.Intersect(rules.NewSet(last.TriggeredRuleIDs...))
	if len(overlap) == 0 {
		return true
	}

	return now.Sub(last.CreatedAt) > window
}
