// Package precheck implements the deterministic gate that runs before any
// model call on a scheduler tick. It is a fixed, ordered rule pipeline over
// cheap per-record statistics; the first matching rule decides.
package precheck

import (
	"math"
	"time"

	"github.com/outreachflow/outreachflow/state"
)

// Rules are the tunable thresholds of the pipeline.
type Rules struct {
	// MinDaysBetweenActions is the base cooldown between outreach actions.
	MinDaysBetweenActions float64
	// MaxActionAttempts caps total outreach actions per record.
	MaxActionAttempts int
	// RecordTooRecentDays skips records created too recently.
	RecordTooRecentDays float64
	// RecentUpdateCooldownDays skips records whose data just changed.
	RecentUpdateCooldownDays float64
	// HighPriorityMinDays is the reduced cooldown for HIGH priority records.
	HighPriorityMinDays float64
	// LowPriorityMultiplier stretches the cooldown for LOW priority records.
	LowPriorityMultiplier float64
	// EnabledStatuses are the record statuses eligible for outreach.
	EnabledStatuses []state.RecordStatus
	// BatchSize caps candidates per scheduler tick.
	BatchSize int
}

// DefaultRules returns the standard thresholds.
func DefaultRules() Rules {
	return Rules{
		MinDaysBetweenActions:    3,
		MaxActionAttempts:        5,
		RecordTooRecentDays:      1,
		RecentUpdateCooldownDays: 2,
		HighPriorityMinDays:      2,
		LowPriorityMultiplier:    2,
		EnabledStatuses:          []state.RecordStatus{state.RecordOpen},
		BatchSize:                10,
	}
}

// Snapshot is the per-record statistics the pipeline evaluates. Day values
// are fractional; DaysSinceLastAction is +Inf when no action was ever
// taken, and the update/creation ages are +Inf when the timestamp is
// unknown.
type Snapshot struct {
	ActionCount         int
	DaysSinceLastAction float64
	DaysSinceLastUpdate float64
	DaysSinceCreation   float64
	Priority            state.Priority
}

// NewSnapshot derives a Snapshot from record timestamps and action history.
// lastActionAt is nil when the record never had an outreach action. Missing
// timestamps count as infinitely old; a zero value would trip the recency
// rules and skip the record forever.
func NewSnapshot(record *state.Record, actionCount int, lastActionAt *time.Time, now time.Time) Snapshot {
	s := Snapshot{
		ActionCount:         actionCount,
		DaysSinceLastAction: math.Inf(1),
		DaysSinceLastUpdate: math.Inf(1),
		DaysSinceCreation:   math.Inf(1),
		Priority:            record.Priority,
	}
	if lastActionAt != nil {
		s.DaysSinceLastAction = days(now.Sub(*lastActionAt))
	}
	if !record.UpdatedAt.IsZero() {
		s.DaysSinceLastUpdate = days(now.Sub(record.UpdatedAt))
	}
	if !record.CreatedAt.IsZero() {
		s.DaysSinceCreation = days(now.Sub(record.CreatedAt))
	}
	return s
}

func days(d time.Duration) float64 {
	return d.Hours() / 24
}

// Reason identifies the rule that decided.
type Reason string

const (
	ReasonMaxAttemptsReached   Reason = "MAX_ATTEMPTS_REACHED"
	ReasonRecordTooRecent      Reason = "RECORD_TOO_RECENT"
	ReasonRecentlyUpdated      Reason = "RECENTLY_UPDATED"
	ReasonHighPriorityReady    Reason = "HIGH_PRIORITY_READY"
	ReasonLowPriorityTooSoon   Reason = "LOW_PRIORITY_TOO_SOON"
	ReasonTooSoon              Reason = "TOO_SOON"
	ReasonFirstActionCandidate Reason = "FIRST_ACTION_CANDIDATE"
	ReasonNeedsAIAnalysis      Reason = "NEEDS_AI_ANALYSIS"
)

// Decision is the pipeline outcome. Proceed false means the record is
// skipped without any model call.
type Decision struct {
	Proceed bool
	Reason  Reason
}

// Evaluate runs the ordered rule pipeline over a snapshot. Rules are
// checked top to bottom and the first match wins; in particular the HIGH
// priority PROCEED is checked before the LOW priority stretch so that HIGH
// records are never blocked by the multiplier.
func Evaluate(r Rules, s Snapshot) Decision {
	switch {
	case s.ActionCount >= r.MaxActionAttempts:
		return Decision{Proceed: false, Reason: ReasonMaxAttemptsReached}
	case s.DaysSinceLastAction < r.MinDaysBetweenActions:
		return Decision{Proceed: false, Reason: ReasonTooSoon}
	case s.DaysSinceCreation < r.RecordTooRecentDays:
		return Decision{Proceed: false, Reason: ReasonRecordTooRecent}
	case s.DaysSinceLastUpdate < r.RecentUpdateCooldownDays:
		return Decision{Proceed: false, Reason: ReasonRecentlyUpdated}
	case s.Priority == state.PriorityHigh && s.DaysSinceLastAction >= r.HighPriorityMinDays:
		return Decision{Proceed: true, Reason: ReasonHighPriorityReady}
	case s.Priority == state.PriorityLow && s.DaysSinceLastAction < r.MinDaysBetweenActions*r.LowPriorityMultiplier:
		return Decision{Proceed: false, Reason: ReasonLowPriorityTooSoon}
	case s.ActionCount == 0 && s.DaysSinceCreation >= r.MinDaysBetweenActions:
		return Decision{Proceed: true, Reason: ReasonFirstActionCandidate}
	default:
		return Decision{Proceed: true, Reason: ReasonNeedsAIAnalysis}
	}
}
