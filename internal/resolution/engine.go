// Package resolution implements the automatic resolution strategies and the
// escalation path for sync conflicts. The strategy engine tries the cheap,
// high-confidence strategies first and falls through to three-way merge;
// anything it cannot resolve is handed to the escalation manager.
package resolution

import (
	"time"

	"fitsync/internal/config"
	"fitsync/internal/conflict"
	"fitsync/internal/errors"
	"fitsync/internal/logging"
	"fitsync/pkg/types"
)

// Engine applies resolution strategies to a conflict. It is stateless
// apart from its policy knobs; persistence belongs to the caller.
type Engine struct {
	policy config.PolicyConfig
	logger logging.Logger
	now    func() time.Time
}

// NewEngine creates a strategy engine with the given policy.
func NewEngine(policy config.PolicyConfig, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Engine{
		policy: policy,
		logger: logger.WithComponent("resolution"),
		now:    time.Now,
	}
}

// CanAutoResolve is the gate in front of every automatic attempt. It never
// mutates the conflict; a gate refusal is not a failed attempt and does not
// consume a retry. The returned reason is for logging and the API surface.
func (e *Engine) CanAutoResolve(c types.Conflict) (bool, string) {
	switch {
	case c.IsResolved:
		return false, "already resolved"
	case c.RequiresUserInput:
		return false, "flagged for manual review"
	case c.Severity == types.SeverityCritical:
		return false, "critical severity requires human review"
	case c.RetryCount >= c.MaxRetries:
		return false, "retry budget exhausted"
	case !c.AutoResolvable:
		return false, "not marked auto-resolvable"
	}
	return true, ""
}

// Attempt runs the strategy cascade against the conflict and returns the
// resolution it produced. ok is false when no strategy could produce a
// usable value; the caller records that as a failed attempt.
//
// Order matters: prefer-latest is tried first because a clear timestamp
// winner needs no merging, then a high-confidence AI recommendation, then
// three-way merge as the general fallback.
func (e *Engine) Attempt(c types.Conflict) (types.Resolution, bool) {
	if res, ok := e.preferLatest(c); ok {
		return res, true
	}
	if res, ok := e.fromRecommendation(c); ok {
		return res, true
	}
	if res, ok := e.merge(c); ok {
		return res, true
	}
	e.logger.Debug("no strategy produced a resolution",
		"conflict_id", c.ID, "data_type", c.DataType)
	return types.Resolution{}, false
}

// preferLatest resolves wholesale in favor of one side when every disputed
// field was last written on that side and the smallest timestamp gap is at
// least the quorum window. Split edits or gaps inside the window are
// ambiguous and fall through.
func (e *Engine) preferLatest(c types.Conflict) (types.Resolution, bool) {
	if len(c.FieldConflicts) == 0 {
		return types.Resolution{}, false
	}

	localWins, remoteWins := 0, 0
	minGap := time.Duration(0)
	for i, fc := range c.FieldConflicts {
		gap := fc.RemoteUpdatedAt.Sub(fc.LocalUpdatedAt)
		if gap > 0 {
			remoteWins++
		} else if gap < 0 {
			localWins++
			gap = -gap
		} else {
			// equal timestamps never clear the quorum window
			return types.Resolution{}, false
		}
		if i == 0 || gap < minGap {
			minGap = gap
		}
	}

	if localWins > 0 && remoteWins > 0 {
		return types.Resolution{}, false
	}
	if minGap < e.policy.QuorumWindow {
		return types.Resolution{}, false
	}

	value := c.RemoteData
	if localWins > 0 {
		value = c.LocalData
	}
	e.logger.Debug("resolved by latest writer",
		"conflict_id", c.ID, "winner_gap", minGap.String())
	return types.Resolution{
		Strategy:      types.StrategyPreferLatest,
		ResolvedValue: cloneMap(value),
		ResolvedAt:    e.now(),
		ResolvedBy:    types.ResolvedBySystem,
		Confidence:    e.policy.PreferLatestConfidence,
	}, true
}

// fromRecommendation executes an attached AI recommendation when its
// confidence clears the auto threshold. Strategies that delegate back to a
// human are never executed automatically.
func (e *Engine) fromRecommendation(c types.Conflict) (types.Resolution, bool) {
	rec := c.Recommendation
	if rec == nil || rec.Confidence <= e.policy.AIAutoThreshold {
		return types.Resolution{}, false
	}

	var value map[string]any
	switch rec.Strategy {
	case types.StrategyPreferRemote:
		value = c.RemoteData
	case types.StrategyPreferLocal:
		value = c.LocalData
	case types.StrategyMerge:
		value = e.mergeValue(c)
	default:
		return types.Resolution{}, false
	}
	if value == nil {
		return types.Resolution{}, false
	}

	e.logger.Info("resolved by recommendation",
		"conflict_id", c.ID, "strategy", rec.Strategy, "confidence", rec.Confidence)
	return types.Resolution{
		Strategy:      rec.Strategy,
		ResolvedValue: cloneMap(value),
		ResolvedAt:    e.now(),
		ResolvedBy:    types.ResolvedByAI,
		Confidence:    rec.Confidence,
		Notes:         rec.Reasoning,
	}, true
}

// merge performs a field-level three-way merge of the two snapshots.
func (e *Engine) merge(c types.Conflict) (types.Resolution, bool) {
	value := e.mergeValue(c)
	if value == nil {
		return types.Resolution{}, false
	}
	return types.Resolution{
		Strategy:      types.StrategyMerge,
		ResolvedValue: value,
		ResolvedAt:    e.now(),
		ResolvedBy:    types.ResolvedBySystem,
		Confidence:    e.policy.MergeConfidence,
	}, true
}

// mergeValue builds the merged snapshot: base data first, then every
// non-disputed field from both sides, then the winning value per disputed
// field. A field's differ suggestion wins outright; otherwise the side
// with the newer write wins, remote on an exact timestamp tie.
//
// Merge is only eligible when at least one field in either snapshot is
// outside the disputed set. A conflict where every field is disputed has
// nothing to merge around and returns nil.
func (e *Engine) mergeValue(c types.Conflict) map[string]any {
	if c.LocalData == nil || c.RemoteData == nil {
		return nil
	}

	disputed := make(map[string]bool, len(c.FieldConflicts))
	for _, fc := range c.FieldConflicts {
		disputed[fc.FieldName] = true
	}
	if !hasUndisputedField(c.LocalData, disputed) && !hasUndisputedField(c.RemoteData, disputed) {
		return nil
	}

	merged := cloneMap(c.BaseData)
	if merged == nil {
		merged = make(map[string]any, len(c.RemoteData))
	}
	for k, v := range c.LocalData {
		if !disputed[k] {
			merged[k] = v
		}
	}
	for k, v := range c.RemoteData {
		if !disputed[k] {
			merged[k] = v
		}
	}

	for _, fc := range c.FieldConflicts {
		switch {
		case fc.SuggestedResolution != nil:
			merged[fc.FieldName] = fc.SuggestedResolution
		case fc.LocalUpdatedAt.After(fc.RemoteUpdatedAt):
			merged[fc.FieldName] = fc.LocalValue
		default:
			merged[fc.FieldName] = fc.RemoteValue
		}
	}
	return merged
}

// Resolve gates, attempts and applies in one step, returning the updated
// conflict and the lifecycle event that was applied. A gate refusal is a
// precondition failure: the conflict comes back unchanged, no retry is
// consumed, and the error carries the refusal reason.
func (e *Engine) Resolve(c types.Conflict) (types.Conflict, conflict.Event, error) {
	if ok, reason := e.CanAutoResolve(c); !ok {
		e.logger.Debug("auto-resolution gated", "conflict_id", c.ID, "reason", reason)
		return c, nil, errors.NewPreconditionError("cannot auto-resolve: " + reason)
	}

	res, ok := e.Attempt(c)
	if !ok {
		ev := conflict.AttemptFailed{At: e.now()}
		return conflict.Apply(c, ev), ev, nil
	}

	ev := conflict.Resolved{Resolution: res, CountAttempt: true, At: e.now()}
	return conflict.Apply(c, ev), ev, nil
}

func hasUndisputedField(m map[string]any, disputed map[string]bool) bool {
	for k := range m {
		if !disputed[k] {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
