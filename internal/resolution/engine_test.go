package resolution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitsync/internal/config"
	"fitsync/internal/conflict"
	"fitsync/internal/errors"
	"fitsync/pkg/types"
)

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		QuorumWindow:           60 * time.Second,
		MaxRetries:             3,
		AIAutoThreshold:        0.8,
		ReviewThreshold:        0.7,
		PreferLatestConfidence: 0.8,
		MergeConfidence:        0.7,
	}
}

func testEngine() *Engine {
	return NewEngine(testPolicy(), nil)
}

func autoConflict(fcs []types.FieldConflict) types.Conflict {
	return types.Conflict{
		ID:             "c1",
		UserID:         "u1",
		DataType:       types.DataTypeWorkoutEntry,
		EntityID:       "e1",
		Severity:       types.SeverityLow,
		AutoResolvable: true,
		MaxRetries:     3,
		LocalData:      map[string]any{"calories": 100.0, "notes": "am"},
		RemoteData:     map[string]any{"calories": 110.0, "notes": "pm"},
		FieldConflicts: fcs,
	}
}

func TestCanAutoResolveGate(t *testing.T) {
	e := testEngine()

	tests := []struct {
		name   string
		mutate func(*types.Conflict)
		want   bool
	}{
		{"eligible", func(c *types.Conflict) {}, true},
		{"resolved", func(c *types.Conflict) { c.IsResolved = true }, false},
		{"manual flag", func(c *types.Conflict) { c.RequiresUserInput = true }, false},
		{"critical", func(c *types.Conflict) { c.Severity = types.SeverityCritical }, false},
		{"retries exhausted", func(c *types.Conflict) { c.RetryCount = 3 }, false},
		{"not auto-resolvable", func(c *types.Conflict) { c.AutoResolvable = false }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := autoConflict(nil)
			tt.mutate(&c)
			got, reason := e.CanAutoResolve(c)
			assert.Equal(t, tt.want, got)
			if !tt.want {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestGateRefusalIsPreconditionFailure(t *testing.T) {
	e := testEngine()
	c := autoConflict(nil)
	c.Severity = types.SeverityCritical

	out, ev, err := e.Resolve(c)
	require.Error(t, err)
	assert.True(t, errors.IsPrecondition(err))
	assert.Contains(t, err.Error(), "critical severity")
	assert.Nil(t, ev)
	assert.Equal(t, 0, out.RetryCount, "gate refusal never consumes a retry")
	assert.Equal(t, c, out)
}

func TestPreferLatestClearWinner(t *testing.T) {
	e := testEngine()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0,
			LocalUpdatedAt: base, RemoteUpdatedAt: base.Add(2 * time.Minute)},
		{FieldName: "notes", LocalValue: "am", RemoteValue: "pm",
			LocalUpdatedAt: base, RemoteUpdatedAt: base.Add(5 * time.Minute)},
	})

	res, ok := e.Attempt(c)
	require.True(t, ok)
	assert.Equal(t, types.StrategyPreferLatest, res.Strategy)
	assert.Equal(t, c.RemoteData, res.ResolvedValue)
	assert.Equal(t, types.ResolvedBySystem, res.ResolvedBy)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
}

func TestPreferLatestLocalWinner(t *testing.T) {
	e := testEngine()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalUpdatedAt: base.Add(90 * time.Second), RemoteUpdatedAt: base},
	})

	res, ok := e.Attempt(c)
	require.True(t, ok)
	assert.Equal(t, types.StrategyPreferLatest, res.Strategy)
	assert.Equal(t, c.LocalData, res.ResolvedValue)
}

func TestPreferLatestInsideQuorumWindowFallsThroughToMerge(t *testing.T) {
	e := testEngine()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 30s gap is inside the 60s window, so latest-writer is ambiguous.
	// The undisputed notes field keeps merge eligible.
	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0,
			LocalUpdatedAt: base, RemoteUpdatedAt: base.Add(30 * time.Second)},
	})

	res, ok := e.Attempt(c)
	require.True(t, ok)
	assert.Equal(t, types.StrategyMerge, res.Strategy)
}

func TestSingleDisputedFieldInsideQuorumFailsAttempt(t *testing.T) {
	e := testEngine()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Both snapshots hold only the disputed field: the sub-quorum gap
	// rules out prefer-latest and there is nothing left to merge around.
	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0,
			LocalUpdatedAt: base, RemoteUpdatedAt: base.Add(30 * time.Second)},
	})
	c.LocalData = map[string]any{"calories": 100.0}
	c.RemoteData = map[string]any{"calories": 110.0}

	_, ok := e.Attempt(c)
	assert.False(t, ok)

	out, ev, err := e.Resolve(c)
	require.NoError(t, err)
	require.IsType(t, conflict.AttemptFailed{}, ev)
	assert.False(t, out.IsResolved)
	assert.Equal(t, 1, out.RetryCount)
}

func TestMergeIneligibleWhenEveryFieldDisputed(t *testing.T) {
	e := testEngine()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0,
			LocalUpdatedAt: base, RemoteUpdatedAt: base.Add(10 * time.Second)},
		{FieldName: "notes", LocalValue: "am", RemoteValue: "pm",
			LocalUpdatedAt: base.Add(10 * time.Second), RemoteUpdatedAt: base},
	})

	_, ok := e.Attempt(c)
	assert.False(t, ok, "split edits with no undisputed field have no automatic strategy")
}

func TestPreferLatestSplitEditsFallThrough(t *testing.T) {
	e := testEngine()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0,
			LocalUpdatedAt: base.Add(2 * time.Minute), RemoteUpdatedAt: base},
		{FieldName: "notes", LocalValue: "am", RemoteValue: "pm",
			LocalUpdatedAt: base, RemoteUpdatedAt: base.Add(2 * time.Minute)},
	})
	c.LocalData["sets"] = 3.0
	c.RemoteData["sets"] = 3.0

	res, ok := e.Attempt(c)
	require.True(t, ok)
	assert.NotEqual(t, types.StrategyPreferLatest, res.Strategy)
}

func TestRecommendationExecutedAboveThreshold(t *testing.T) {
	e := testEngine()
	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0},
	})
	c.Recommendation = &types.AIRecommendation{
		Strategy:   types.StrategyPreferLocal,
		Confidence: 0.93,
		Reasoning:  "local edit matches the workout log pattern",
	}

	res, ok := e.Attempt(c)
	require.True(t, ok)
	assert.Equal(t, types.StrategyPreferLocal, res.Strategy)
	assert.Equal(t, c.LocalData, res.ResolvedValue)
	assert.Equal(t, types.ResolvedByAI, res.ResolvedBy)
	assert.InDelta(t, 0.93, res.Confidence, 1e-9)
	assert.Equal(t, "local edit matches the workout log pattern", res.Notes)
}

func TestRecommendationBelowThresholdIgnored(t *testing.T) {
	e := testEngine()
	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0},
	})
	c.Recommendation = &types.AIRecommendation{
		Strategy:   types.StrategyPreferLocal,
		Confidence: 0.75,
	}

	res, ok := e.Attempt(c)
	require.True(t, ok)
	// falls through to merge instead of executing the weak recommendation
	assert.Equal(t, types.StrategyMerge, res.Strategy)
}

func TestRecommendationManualStrategyNeverExecuted(t *testing.T) {
	e := testEngine()
	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0},
	})
	c.Recommendation = &types.AIRecommendation{
		Strategy:   types.StrategyManualReview,
		Confidence: 0.99,
	}

	res, ok := e.Attempt(c)
	require.True(t, ok)
	assert.Equal(t, types.StrategyMerge, res.Strategy)
}

func TestMergePicksNewerSidePerField(t *testing.T) {
	e := testEngine()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0,
			LocalUpdatedAt: base.Add(10 * time.Second), RemoteUpdatedAt: base},
		{FieldName: "notes", LocalValue: "am", RemoteValue: "pm",
			LocalUpdatedAt: base, RemoteUpdatedAt: base.Add(10 * time.Second)},
	})
	c.LocalData["sets"] = 3.0
	c.RemoteData["sets"] = 3.0

	res, ok := e.Attempt(c)
	require.True(t, ok)
	assert.Equal(t, types.StrategyMerge, res.Strategy)
	assert.Equal(t, 100.0, res.ResolvedValue["calories"])
	assert.Equal(t, "pm", res.ResolvedValue["notes"])
	assert.Equal(t, 3.0, res.ResolvedValue["sets"])
}

func TestMergeEqualTimestampsPreferRemote(t *testing.T) {
	e := testEngine()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0,
			LocalUpdatedAt: at, RemoteUpdatedAt: at},
	})

	res, ok := e.Attempt(c)
	require.True(t, ok)
	assert.Equal(t, 110.0, res.ResolvedValue["calories"])
}

func TestMergeHonorsSuggestedResolution(t *testing.T) {
	e := testEngine()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0,
			SuggestedResolution: 105.0,
			LocalUpdatedAt:      base.Add(time.Minute), RemoteUpdatedAt: base},
	})

	res, ok := e.Attempt(c)
	require.True(t, ok)
	assert.Equal(t, 105.0, res.ResolvedValue["calories"])
}

func TestMergeCarriesUndisputedFields(t *testing.T) {
	e := testEngine()
	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0},
	})
	c.BaseData = map[string]any{"exerciseId": "squat", "sets": 3.0}
	c.LocalData["sets"] = 4.0
	c.RemoteData["reps"] = 8.0

	res, ok := e.Attempt(c)
	require.True(t, ok)
	assert.Equal(t, "squat", res.ResolvedValue["exerciseId"])
	assert.Equal(t, 4.0, res.ResolvedValue["sets"])
	assert.Equal(t, 8.0, res.ResolvedValue["reps"])
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	e := testEngine()
	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0},
	})
	c.BaseData = map[string]any{"calories": 90.0}

	res, ok := e.Attempt(c)
	require.True(t, ok)
	res.ResolvedValue["calories"] = 999.0

	assert.Equal(t, 90.0, c.BaseData["calories"])
	assert.Equal(t, 100.0, c.LocalData["calories"])
	assert.Equal(t, 110.0, c.RemoteData["calories"])
}

func TestResolveAppliesResolvedEvent(t *testing.T) {
	e := testEngine()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := autoConflict([]types.FieldConflict{
		{FieldName: "calories", LocalValue: 100.0, RemoteValue: 110.0,
			LocalUpdatedAt: at, RemoteUpdatedAt: at},
	})

	out, ev, err := e.Resolve(c)
	require.NoError(t, err)
	require.IsType(t, conflict.Resolved{}, ev)
	assert.True(t, out.IsResolved)
	require.NotNil(t, out.Resolution)
	assert.Equal(t, 1, out.RetryCount, "automatic resolution consumes a retry")
}

func TestResolveRecordsFailedAttempt(t *testing.T) {
	e := testEngine()
	c := autoConflict(nil)
	// no snapshots at all: no strategy can produce a value
	c.LocalData = nil
	c.RemoteData = nil

	out, ev, err := e.Resolve(c)
	require.NoError(t, err)
	require.IsType(t, conflict.AttemptFailed{}, ev)
	assert.False(t, out.IsResolved)
	assert.Equal(t, 1, out.RetryCount)
}
