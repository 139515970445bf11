package conflict

import (
	"time"

	"fitsync/pkg/types"
)

// EventType identifies a lifecycle transition.
type EventType string

const (
	EventRedetected             EventType = "redetected"
	EventAttemptFailed          EventType = "attempt_failed"
	EventResolved               EventType = "resolved"
	EventEscalated              EventType = "escalated"
	EventRecommendationAttached EventType = "recommendation_attached"
	EventUserNotified           EventType = "user_notified"
)

// Event is one lifecycle transition applied to a conflict. The set of
// implementations is closed; Apply switches exhaustively over it.
type Event interface {
	Type() EventType
}

// Redetected refreshes an existing record when the same disagreement is
// reported again. Severity only ratchets upward; retry and escalation
// bookkeeping survives redetection.
type Redetected struct {
	LocalData      map[string]any
	RemoteData     map[string]any
	BaseData       map[string]any
	FieldConflicts []types.FieldConflict
	Severity       types.Severity
	At             time.Time
}

func (Redetected) Type() EventType { return EventRedetected }

// AttemptFailed records an automatic resolution attempt that produced no
// usable value. Exhausting the retry budget forces the conflict into
// mandatory human review.
type AttemptFailed struct {
	At time.Time
}

func (AttemptFailed) Type() EventType { return EventAttemptFailed }

// Resolved terminates the conflict. CountAttempt is set for automatic
// resolutions, which consume a retry; manual resolutions do not.
//
// Precondition: Resolution.ResolvedValue must be populated. Callers
// validate before applying; a conflict is never resolved without data.
type Resolved struct {
	Resolution   types.Resolution
	CountAttempt bool
	At           time.Time
}

func (Resolved) Type() EventType { return EventResolved }

// Escalated raises the conflict's escalation level and forces human review.
type Escalated struct {
	At time.Time
}

func (Escalated) Type() EventType { return EventEscalated }

// RecommendationAttached attaches an AI recommendation. AutoThreshold is
// the policy confidence above which auto-resolution is unlocked.
type RecommendationAttached struct {
	Recommendation types.AIRecommendation
	AutoThreshold  float64
	At             time.Time
}

func (RecommendationAttached) Type() EventType { return EventRecommendationAttached }

// UserNotified records that the UI collaborator surfaced the conflict.
type UserNotified struct {
	At time.Time
}

func (UserNotified) Type() EventType { return EventUserNotified }

// escalation level at which severity starts being promoted
const promotionLevel = 2

// Apply is the lifecycle transition function: it returns a new Conflict
// value with the event applied, leaving the input untouched. All conflict
// mutation in the engine goes through here so the record invariants hold
// in one place: severity never decreases, a resolved conflict always
// carries a resolution, and a conflict past its retry budget always
// requires user input.
func Apply(c types.Conflict, e Event) types.Conflict {
	switch ev := e.(type) {
	case Redetected:
		c.LocalData = ev.LocalData
		c.RemoteData = ev.RemoteData
		if ev.BaseData != nil {
			c.BaseData = ev.BaseData
		}
		c.FieldConflicts = ev.FieldConflicts
		c.Severity = types.MaxSeverity(c.Severity, ev.Severity)
		c.UpdatedAt = ev.At

	case AttemptFailed:
		c.RetryCount++
		at := ev.At
		c.LastAttemptAt = &at
		c.UpdatedAt = ev.At
		if c.RetryCount >= c.MaxRetries {
			c.RequiresUserInput = true
		}

	case Resolved:
		res := ev.Resolution
		c.Resolution = &res
		c.IsResolved = true
		at := ev.At
		c.ResolvedAt = &at
		c.UpdatedAt = ev.At
		if ev.CountAttempt {
			c.RetryCount++
			c.LastAttemptAt = &at
		}

	case Escalated:
		c.EscalationLevel++
		c.RequiresUserInput = true
		c.UserNotified = false
		c.UpdatedAt = ev.At
		if c.EscalationLevel >= promotionLevel || c.RetryCount >= c.MaxRetries {
			c.Severity = c.Severity.Promote()
		}

	case RecommendationAttached:
		rec := ev.Recommendation
		c.Recommendation = &rec
		c.UpdatedAt = ev.At
		if rec.Confidence > ev.AutoThreshold &&
			c.Severity != types.SeverityCritical &&
			!c.RequiresUserInput {
			c.AutoResolvable = true
		}

	case UserNotified:
		c.UserNotified = true
		c.UpdatedAt = ev.At
	}

	return c
}
