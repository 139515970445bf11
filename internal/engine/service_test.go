package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitsync/internal/config"
	"fitsync/internal/errors"
	"fitsync/internal/storage"
	syncnotify "fitsync/internal/sync"
	"fitsync/internal/websocket"
	"fitsync/pkg/types"
)

type captureBroadcaster struct {
	events []websocket.ConflictEvent
}

func (b *captureBroadcaster) BroadcastConflictEvent(event *websocket.ConflictEvent) {
	b.events = append(b.events, *event)
}

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

func newTestService(t *testing.T) (*Service, *storage.MockStore, *captureBroadcaster) {
	t.Helper()
	store := storage.NewMockStore()
	b := &captureBroadcaster{}
	notifier := syncnotify.NewNotifier(b, nil)
	svc := NewService(store, testPolicy(), notifier, nil, nil)
	return svc, store, b
}

func workoutSnapshot(calories float64, notes string) map[string]any {
	m := map[string]any{
		"id":          "w1",
		"userId":      "u1",
		"exerciseId":  "squat",
		"name":        "Back Squat",
		"sets":        3.0,
		"reps":        5.0,
		"weightKg":    100.0,
		"calories":    calories,
		"performedAt": "2026-03-01T10:00:00Z",
	}
	if notes != "" {
		m["notes"] = notes
	}
	return m
}

func detectInput(localCal, remoteCal float64) types.DetectInput {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return types.DetectInput{
		UserID:         "u1",
		DataType:       types.DataTypeWorkoutEntry,
		EntityID:       "w1",
		LocalSnapshot:  workoutSnapshot(localCal, ""),
		RemoteSnapshot: workoutSnapshot(remoteCal, ""),
		LocalVersion:   3,
		RemoteVersion:  4,
		LocalUpdatedAt: base,
		RemoteUpdated:  base.Add(2 * time.Minute),
		SyncSessionID:  "s1",
		DeviceID:       "phone-1",
	}
}

func TestDetectEquivalentSnapshotsNoConflict(t *testing.T) {
	svc, _, b := newTestService(t)

	c, err := svc.Detect(context.Background(), detectInput(480, 480))
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Empty(t, b.events)
}

func TestDetectCreatesConflict(t *testing.T) {
	svc, store, b := newTestService(t)
	ctx := context.Background()

	c, err := svc.Detect(ctx, detectInput(480, 510))
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.NotEmpty(t, c.ID)
	assert.NotEmpty(t, c.ConflictHash)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, types.DataTypeWorkoutEntry, c.DataType)
	assert.Equal(t, 3, c.MaxRetries)
	require.Len(t, c.FieldConflicts, 1)
	assert.Equal(t, "calories", c.FieldConflicts[0].FieldName)
	assert.Equal(t, types.SeverityLow, c.Severity)
	assert.True(t, c.AutoResolvable)

	events, err := store.GetEvents(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "detected", events[0].EventType)

	require.Len(t, b.events, 1)
	assert.Equal(t, "detected", b.events[0].Action)
}

func TestDetectInvalidInput(t *testing.T) {
	svc, _, _ := newTestService(t)

	in := detectInput(480, 510)
	in.UserID = ""
	_, err := svc.Detect(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestDetectRejectsUnknownSnapshotField(t *testing.T) {
	svc, _, _ := newTestService(t)

	in := detectInput(480, 510)
	in.LocalSnapshot["bogus"] = 1.0
	_, err := svc.Detect(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestDetectIsIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Detect(ctx, detectInput(480, 510))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.Detect(ctx, detectInput(480, 510))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID, "same disagreement converges on one record")

	all, err := store.ListByUser(ctx, "u1", storage.ListOptions{IncludeResolved: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	events, err := store.GetEvents(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "detected", events[0].EventType)
	assert.Equal(t, "redetected", events[1].EventType)
}

func TestAttemptAutoResolutionByLatestWriter(t *testing.T) {
	svc, _, b := newTestService(t)
	ctx := context.Background()

	c, err := svc.Detect(ctx, detectInput(480, 510))
	require.NoError(t, err)
	require.True(t, c.AutoResolvable)

	out, resolved, err := svc.AttemptAutoResolution(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.True(t, out.IsResolved)
	require.NotNil(t, out.Resolution)
	// remote side is 2 minutes newer, beyond the 60s quorum window
	assert.Equal(t, types.StrategyPreferLatest, out.Resolution.Strategy)
	assert.Equal(t, 510.0, out.Resolution.ResolvedValue["calories"])
	assert.Equal(t, 1, out.RetryCount)

	var actions []string
	for _, ev := range b.events {
		actions = append(actions, ev.Action)
	}
	assert.Contains(t, actions, "resolved")
}

func TestAttemptAutoResolutionGateRefusal(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Detect(ctx, detectInput(480, 510))
	require.NoError(t, err)

	// flag it for manual review behind the engine's back
	c.RequiresUserInput = true
	require.NoError(t, store.Update(ctx, c))

	out, resolved, err := svc.AttemptAutoResolution(ctx, c.ID)
	require.Error(t, err)
	assert.True(t, errors.IsPrecondition(err))
	assert.False(t, resolved)
	assert.Nil(t, out)

	got, err := store.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsResolved)
	assert.Equal(t, 0, got.RetryCount, "gate refusal never consumes a retry")
}

func TestAttemptAutoResolutionUnknownConflict(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.AttemptAutoResolution(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

// seedUnresolvable stores a conflict whose snapshots are gone, so every
// strategy fails and each attempt burns a retry.
func seedUnresolvable(t *testing.T, store *storage.MockStore) *types.Conflict {
	t.Helper()
	now := time.Now().UTC()
	c := &types.Conflict{
		ID:             "stuck-1",
		ConflictHash:   "hash-stuck",
		UserID:         "u1",
		DataType:       types.DataTypeWorkoutEntry,
		EntityID:       "w9",
		Severity:       types.SeverityMedium,
		AutoResolvable: true,
		MaxRetries:     3,
		FieldConflicts: []types.FieldConflict{
			{FieldName: "calories", ConflictScore: 0.3},
		},
		DetectedAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, _, err := store.Upsert(context.Background(), c)
	require.NoError(t, err)
	return c
}

func TestRetryExhaustionEscalates(t *testing.T) {
	svc, store, b := newTestService(t)
	ctx := context.Background()
	c := seedUnresolvable(t, store)

	var out *types.Conflict
	var err error
	for i := 0; i < 3; i++ {
		var resolved bool
		out, resolved, err = svc.AttemptAutoResolution(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, resolved)
	}

	assert.Equal(t, 3, out.RetryCount)
	assert.True(t, out.RequiresUserInput)
	assert.Equal(t, 1, out.EscalationLevel, "exhaustion escalates in the same call")
	assert.Equal(t, types.SeverityHigh, out.Severity, "escalation after exhaustion promotes severity")
	assert.True(t, out.UserNotified)

	events, err := store.GetEvents(ctx, c.ID)
	require.NoError(t, err)
	var eventTypes []string
	for _, ev := range events {
		eventTypes = append(eventTypes, ev.EventType)
	}
	assert.Equal(t, []string{
		"attempt_failed", "attempt_failed", "attempt_failed",
		"escalated", "user_notified",
	}, eventTypes)

	var actions []string
	for _, ev := range b.events {
		actions = append(actions, ev.Action)
	}
	assert.Contains(t, actions, "escalated")

	// further attempts are rejected as precondition failures without
	// another escalation or a consumed retry
	_, _, err = svc.AttemptAutoResolution(ctx, c.ID)
	require.Error(t, err)
	assert.True(t, errors.IsPrecondition(err))
	got, err := store.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 1, got.EscalationLevel)
}

func TestAttemptFailsWhenOnlyFieldDisputed(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	// single disputed field, 30s gap inside the quorum window, no
	// recommendation: no automatic strategy applies
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &types.Conflict{
		ID:             "lone-1",
		ConflictHash:   "hash-lone",
		UserID:         "u1",
		DataType:       types.DataTypeWorkoutEntry,
		EntityID:       "w5",
		Severity:       types.SeverityLow,
		AutoResolvable: true,
		MaxRetries:     3,
		LocalData:      map[string]any{"calories": 480.0},
		RemoteData:     map[string]any{"calories": 510.0},
		FieldConflicts: []types.FieldConflict{
			{FieldName: "calories", LocalValue: 480.0, RemoteValue: 510.0,
				LocalUpdatedAt: base, RemoteUpdatedAt: base.Add(30 * time.Second)},
		},
		DetectedAt: base,
		CreatedAt:  base,
		UpdatedAt:  base,
	}
	_, _, err := store.Upsert(ctx, c)
	require.NoError(t, err)

	out, resolved, err := svc.AttemptAutoResolution(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.False(t, out.IsResolved)
	assert.Equal(t, 1, out.RetryCount)

	events, err := store.GetEvents(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "attempt_failed", events[0].EventType)
}

func TestResolvePendingSweep(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	eligible, err := svc.Detect(ctx, detectInput(480, 510))
	require.NoError(t, err)
	require.NotNil(t, eligible)

	blocked := seedUnresolvable(t, store)
	blocked.AutoResolvable = false
	require.NoError(t, store.Update(ctx, blocked))

	n, err := svc.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetByID(ctx, eligible.ID)
	require.NoError(t, err)
	assert.True(t, got.IsResolved)

	untouched, err := store.GetByID(ctx, blocked.ID)
	require.NoError(t, err)
	assert.False(t, untouched.IsResolved)
	assert.Equal(t, 0, untouched.RetryCount, "ineligible conflicts are skipped, not attempted")

	// nothing eligible left
	n, err = svc.ResolvePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestApplyManualResolution(t *testing.T) {
	svc, store, b := newTestService(t)
	ctx := context.Background()
	c := seedUnresolvable(t, store)

	out, err := svc.ApplyManualResolution(ctx, c.ID, types.StrategyUserDecision,
		map[string]any{"calories": 495.0}, "u1", "split the difference")
	require.NoError(t, err)
	assert.True(t, out.IsResolved)
	require.NotNil(t, out.Resolution)
	assert.True(t, out.Resolution.HumanVerified)
	assert.Equal(t, 1.0, out.Resolution.Confidence)

	// second decision on the same conflict is rejected
	_, err = svc.ApplyManualResolution(ctx, c.ID, types.StrategyUserDecision,
		map[string]any{"calories": 400.0}, "u1", "")
	require.Error(t, err)
	assert.True(t, errors.IsPrecondition(err))

	var actions []string
	for _, ev := range b.events {
		actions = append(actions, ev.Action)
	}
	assert.Contains(t, actions, "resolved")
}

func TestAttachRecommendation(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	c := seedUnresolvable(t, store)
	c.AutoResolvable = false
	require.NoError(t, store.Update(ctx, c))

	out, err := svc.AttachRecommendation(ctx, c.ID, types.AIRecommendation{
		Strategy:   types.StrategyPreferRemote,
		Confidence: 0.9,
		Reasoning:  "remote edit is consistent with the session log",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Recommendation)
	assert.True(t, out.AutoResolvable, "strong recommendation unlocks auto-resolution")
	assert.False(t, out.Recommendation.ReceivedAt.IsZero())

	events, err := store.GetEvents(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "recommendation_attached", events[0].EventType)
}

func TestAttachRecommendationValidation(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	c := seedUnresolvable(t, store)

	_, err := svc.AttachRecommendation(ctx, c.ID, types.AIRecommendation{
		Strategy: "coin-flip", Confidence: 0.9,
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = svc.AttachRecommendation(ctx, c.ID, types.AIRecommendation{
		Strategy: types.StrategyMerge, Confidence: 1.2,
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestEscalateOnDemand(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	c := seedUnresolvable(t, store)

	out, err := svc.Escalate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, out.EscalationLevel)
	assert.True(t, out.RequiresUserInput)
	assert.True(t, out.UserNotified)

	_, err = store.GetByID(ctx, c.ID)
	require.NoError(t, err)
}

func TestListSummaries(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Detect(ctx, detectInput(480, 510))
	require.NoError(t, err)

	summaries, err := svc.ListSummaries(ctx, "u1", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, c.ID, summaries[0].ID)
	assert.Equal(t, 1, summaries[0].FieldConflictCount)
	assert.Greater(t, summaries[0].ComplexityScore, 0.0)

	_, err = svc.ListSummaries(ctx, "", storage.ListOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestEventsForUnknownConflict(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Events(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
