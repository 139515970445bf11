package resolution

import (
	"time"

	"fitsync/internal/config"
	"fitsync/internal/conflict"
	"fitsync/internal/errors"
	"fitsync/internal/logging"
	"fitsync/pkg/types"
)

// Escalator decides when a conflict leaves the automatic path and hands it
// to a human, and applies the resolutions humans send back.
type Escalator struct {
	policy config.PolicyConfig
	logger logging.Logger
	now    func() time.Time
}

// NewEscalator creates an escalation manager with the given policy.
func NewEscalator(policy config.PolicyConfig, logger logging.Logger) *Escalator {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Escalator{
		policy: policy,
		logger: logger.WithComponent("escalation"),
		now:    time.Now,
	}
}

// NeedsUserIntervention reports whether an unresolved conflict must be
// surfaced to the user: already flagged, critical, out of retries, or
// carrying a recommendation too weak to trust.
func (m *Escalator) NeedsUserIntervention(c types.Conflict) bool {
	if c.IsResolved {
		return false
	}
	if c.RequiresUserInput {
		return true
	}
	if c.Severity == types.SeverityCritical {
		return true
	}
	if c.RetryCount >= c.MaxRetries {
		return true
	}
	if c.Recommendation != nil && c.Recommendation.Confidence < m.policy.ReviewThreshold {
		return true
	}
	return false
}

// Escalate raises the conflict's escalation level. Escalating a resolved
// conflict is a caller error.
func (m *Escalator) Escalate(c types.Conflict) (types.Conflict, conflict.Event, error) {
	if c.IsResolved {
		return c, nil, errors.NewAlreadyResolvedError(c.ID)
	}
	ev := conflict.Escalated{At: m.now()}
	out := conflict.Apply(c, ev)
	m.logger.Warn("conflict escalated",
		"conflict_id", c.ID, "escalation_level", out.EscalationLevel, "severity", out.Severity)
	return out, ev, nil
}

// ApplyManualResolution records a human decision. It bypasses every
// automatic gate: severity, retry budget and the auto-resolvable flag are
// irrelevant once a person has decided. The only refusals are a conflict
// that is already resolved and a malformed decision.
func (m *Escalator) ApplyManualResolution(c types.Conflict, strategy types.ResolutionStrategy, value map[string]any, resolvedBy, notes string) (types.Conflict, conflict.Event, error) {
	if c.IsResolved {
		return c, nil, errors.NewAlreadyResolvedError(c.ID)
	}
	if !strategy.Valid() {
		return c, nil, errors.NewValidationError("strategy", "unknown resolution strategy", string(strategy))
	}
	if resolvedBy == "" {
		return c, nil, errors.NewRequiredFieldError("resolved_by")
	}

	resolved := value
	switch strategy {
	case types.StrategyPreferLocal:
		resolved = c.LocalData
	case types.StrategyPreferRemote:
		resolved = c.RemoteData
	}
	if resolved == nil {
		return c, nil, errors.NewRequiredFieldError("resolved_value")
	}

	ev := conflict.Resolved{
		Resolution: types.Resolution{
			Strategy:      strategy,
			ResolvedValue: cloneMap(resolved),
			ResolvedAt:    m.now(),
			ResolvedBy:    resolvedBy,
			Confidence:    1.0,
			HumanVerified: true,
			Notes:         notes,
		},
		At: m.now(),
	}
	out := conflict.Apply(c, ev)
	m.logger.Info("conflict resolved manually",
		"conflict_id", c.ID, "strategy", strategy, "resolved_by", resolvedBy)
	return out, ev, nil
}
