// Package engine orchestrates conflict detection, automatic resolution,
// escalation and manual resolution over the conflict store, and fans the
// results out to the audit trail and connected devices.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fitsync/internal/audit"
	"fitsync/internal/config"
	"fitsync/internal/conflict"
	"fitsync/internal/diff"
	"fitsync/internal/errors"
	"fitsync/internal/logging"
	"fitsync/internal/resolution"
	"fitsync/internal/storage"
	syncnotify "fitsync/internal/sync"
	"fitsync/pkg/types"
)

// Service is the conflict engine. All state lives in the store; the
// service itself is safe for concurrent use.
type Service struct {
	store     storage.ConflictStore
	resolver  *resolution.Engine
	escalator *resolution.Escalator
	notifier  *syncnotify.Notifier
	trail     *audit.Trail
	policy    config.PolicyConfig
	logger    logging.Logger
	now       func() time.Time
}

// NewService wires the engine together. notifier and trail may be nil.
func NewService(store storage.ConflictStore, policy config.PolicyConfig, notifier *syncnotify.Notifier, trail *audit.Trail, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if notifier == nil {
		notifier = syncnotify.NewNotifier(nil, logger)
	}
	return &Service{
		store:     store,
		resolver:  resolution.NewEngine(policy, logger),
		escalator: resolution.NewEscalator(policy, logger),
		notifier:  notifier,
		trail:     trail,
		policy:    policy,
		logger:    logger.WithComponent("engine"),
		now:       time.Now,
	}
}

// Detect compares the local and remote snapshots and records a conflict
// when they disagree. It returns nil when the snapshots are equivalent.
// Re-detection of a known disagreement refreshes the existing record
// instead of creating a duplicate.
func (s *Service) Detect(ctx context.Context, in types.DetectInput) (*types.Conflict, error) {
	if err := in.Validate(); err != nil {
		return nil, errors.NewValidationError("detect_input", err.Error(), nil)
	}

	local, err := types.DecodeSnapshot(in.DataType, in.LocalSnapshot)
	if err != nil {
		return nil, errors.NewValidationError("local_snapshot", err.Error(), nil)
	}
	remote, err := types.DecodeSnapshot(in.DataType, in.RemoteSnapshot)
	if err != nil {
		return nil, errors.NewValidationError("remote_snapshot", err.Error(), nil)
	}
	var baseFields map[string]any
	if in.BaseSnapshot != nil {
		base, err := types.DecodeSnapshot(in.DataType, in.BaseSnapshot)
		if err != nil {
			return nil, errors.NewValidationError("base_snapshot", err.Error(), nil)
		}
		baseFields = base.Fields()
	}

	localFields := local.Fields()
	remoteFields := remote.Fields()

	fieldConflicts := diff.Diff(localFields, remoteFields, in.LocalUpdatedAt, in.RemoteUpdated)
	if len(fieldConflicts) == 0 {
		s.logger.DebugContext(ctx, "snapshots equivalent, no conflict",
			"entity_id", in.EntityID, "data_type", in.DataType)
		return nil, nil
	}

	severity := conflict.Classify(fieldConflicts, in.DataType)
	autoResolvable, requiresUserInput := conflict.InitialFlags(severity, len(fieldConflicts))
	hash := conflict.Hash(in.EntityID, in.LocalVersion, in.RemoteVersion, fieldConflicts)
	now := s.now()

	c := &types.Conflict{
		ID:                uuid.New().String(),
		ConflictHash:      hash,
		UserID:            in.UserID,
		DataType:          in.DataType,
		EntityID:          in.EntityID,
		LocalData:         localFields,
		RemoteData:        remoteFields,
		BaseData:          baseFields,
		LocalVersion:      in.LocalVersion,
		RemoteVersion:     in.RemoteVersion,
		BaseVersion:       in.BaseVersion,
		Severity:          severity,
		FieldConflicts:    fieldConflicts,
		AutoResolvable:    autoResolvable,
		RequiresUserInput: requiresUserInput,
		MaxRetries:        s.policy.MaxRetries,
		SyncSessionID:     in.SyncSessionID,
		DeviceID:          in.DeviceID,
		DetectedAt:        now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	stored, inserted, err := s.store.Upsert(ctx, c)
	if err != nil {
		s.trail.RecordError(ctx, audit.EventTypeError, c.ID, err)
		return nil, err
	}

	if inserted {
		s.recordEvent(ctx, stored.ID, "detected", stored.Summary())
		s.audit(ctx, audit.EventTypeConflictDetected, stored, nil)
		s.notifier.ConflictDetected(ctx, stored)
		s.logger.InfoContext(ctx, "conflict detected",
			"conflict_id", stored.ID, "entity_id", stored.EntityID,
			"severity", stored.Severity, "fields", len(stored.FieldConflicts))
		return stored, nil
	}

	// Known disagreement reported again. A resolved record means the
	// device has not applied the resolution yet; hand it back unchanged.
	if stored.IsResolved {
		return stored, nil
	}

	ev := conflict.Redetected{
		LocalData:      localFields,
		RemoteData:     remoteFields,
		BaseData:       baseFields,
		FieldConflicts: fieldConflicts,
		Severity:       severity,
		At:             now,
	}
	refreshed := conflict.Apply(*stored, ev)
	if err := s.store.Update(ctx, &refreshed); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, refreshed.ID, string(ev.Type()), ev)
	s.audit(ctx, audit.EventTypeConflictRefreshed, &refreshed, nil)
	s.notifier.ConflictDetected(ctx, &refreshed)
	return &refreshed, nil
}

// AttemptAutoResolution loads the conflict and runs one gated resolution
// attempt. A gate refusal leaves the record untouched and comes back as a
// precondition error carrying the reason; it never consumes a retry. When
// the attempt fails and exhausts the retry budget the conflict is
// escalated in the same call.
func (s *Service) AttemptAutoResolution(ctx context.Context, id string) (*types.Conflict, bool, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}

	out, ev, err := s.resolver.Resolve(*c)
	if err != nil {
		s.logger.InfoContext(ctx, "auto-resolution refused",
			"conflict_id", id, "error", err)
		return nil, false, err
	}
	if err := s.store.Update(ctx, &out); err != nil {
		return nil, false, err
	}
	s.recordEvent(ctx, out.ID, string(ev.Type()), ev)

	if out.IsResolved {
		s.audit(ctx, audit.EventTypeAutoResolved, &out, map[string]any{
			"strategy":   string(out.Resolution.Strategy),
			"confidence": out.Resolution.Confidence,
		})
		s.notifier.ConflictResolved(ctx, &out)
		s.logger.InfoContext(ctx, "conflict auto-resolved",
			"conflict_id", out.ID, "strategy", out.Resolution.Strategy)
		return &out, true, nil
	}

	s.audit(ctx, audit.EventTypeAttemptFailed, &out, map[string]any{
		"retry_count": out.RetryCount,
	})
	s.logger.WarnContext(ctx, "auto-resolution attempt failed",
		"conflict_id", out.ID, "retry_count", out.RetryCount, "max_retries", out.MaxRetries)

	// Out of retries: hand the conflict to the user immediately.
	if out.RetryCount >= out.MaxRetries {
		escalated, err := s.escalate(ctx, &out)
		if err != nil {
			return nil, false, err
		}
		return escalated, false, nil
	}
	return &out, false, nil
}

// ResolvePending sweeps the open backlog and runs one automatic
// resolution attempt on every conflict that clears the gate. It returns
// the number of conflicts resolved; ineligible conflicts are skipped, not
// errors.
func (s *Service) ResolvePending(ctx context.Context) (int, error) {
	pending, err := s.store.ListUnresolved(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, c := range pending {
		if ok, _ := s.resolver.CanAutoResolve(*c); !ok {
			continue
		}
		_, done, err := s.AttemptAutoResolution(ctx, c.ID)
		if err != nil {
			// the record can change between the listing and the attempt
			if errors.IsPrecondition(err) {
				continue
			}
			return resolved, err
		}
		if done {
			resolved++
		}
	}
	if resolved > 0 {
		s.logger.InfoContext(ctx, "background sweep resolved conflicts",
			"resolved", resolved, "pending", len(pending))
	}
	return resolved, nil
}

// ApplyManualResolution records a human decision for the conflict.
func (s *Service) ApplyManualResolution(ctx context.Context, id string, strategy types.ResolutionStrategy, value map[string]any, resolvedBy, notes string) (*types.Conflict, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	out, ev, err := s.escalator.ApplyManualResolution(*c, strategy, value, resolvedBy, notes)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, &out); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, out.ID, string(ev.Type()), ev)
	s.audit(ctx, audit.EventTypeManualResolved, &out, map[string]any{
		"strategy":    string(strategy),
		"resolved_by": resolvedBy,
	})
	s.notifier.ConflictResolved(ctx, &out)
	return &out, nil
}

// AttachRecommendation stores an AI recommendation on the conflict and
// unlocks auto-resolution when its confidence clears the policy threshold.
func (s *Service) AttachRecommendation(ctx context.Context, id string, rec types.AIRecommendation) (*types.Conflict, error) {
	if !rec.Strategy.Valid() {
		return nil, errors.NewValidationError("strategy", "unknown resolution strategy", string(rec.Strategy))
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return nil, errors.NewValidationError("confidence", "must be in [0,1]", rec.Confidence)
	}

	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsResolved {
		return nil, errors.NewAlreadyResolvedError(id)
	}

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = s.now()
	}
	ev := conflict.RecommendationAttached{
		Recommendation: rec,
		AutoThreshold:  s.policy.AIAutoThreshold,
		At:             s.now(),
	}
	out := conflict.Apply(*c, ev)
	if err := s.store.Update(ctx, &out); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, out.ID, string(ev.Type()), ev)
	s.audit(ctx, audit.EventTypeRecommendation, &out, map[string]any{
		"strategy":   string(rec.Strategy),
		"confidence": rec.Confidence,
	})
	s.notifier.RecommendationAttached(ctx, &out)
	return &out, nil
}

// Escalate raises the conflict to the user on request.
func (s *Service) Escalate(ctx context.Context, id string) (*types.Conflict, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.escalate(ctx, c)
}

// escalate applies the escalation transition, persists it and notifies.
// When a notification actually went out the record is marked as such.
func (s *Service) escalate(ctx context.Context, c *types.Conflict) (*types.Conflict, error) {
	out, ev, err := s.escalator.Escalate(*c)
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, out.ID, string(ev.Type()), ev)

	if s.notifier.Enabled() {
		notified := conflict.UserNotified{At: s.now()}
		out = conflict.Apply(out, notified)
		s.recordEvent(ctx, out.ID, string(notified.Type()), notified)
	}
	if err := s.store.Update(ctx, &out); err != nil {
		return nil, err
	}
	s.audit(ctx, audit.EventTypeEscalated, &out, map[string]any{
		"escalation_level": out.EscalationLevel,
	})
	s.notifier.ConflictEscalated(ctx, &out)
	return &out, nil
}

// Get returns the full conflict record.
func (s *Service) Get(ctx context.Context, id string) (*types.Conflict, error) {
	return s.store.GetByID(ctx, id)
}

// ListSummaries returns the inbox view of a user's conflicts, newest first.
func (s *Service) ListSummaries(ctx context.Context, userID string, opts storage.ListOptions) ([]types.ConflictSummary, error) {
	if userID == "" {
		return nil, errors.NewRequiredFieldError("user_id")
	}
	conflicts, err := s.store.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	summaries := make([]types.ConflictSummary, 0, len(conflicts))
	for _, c := range conflicts {
		summaries = append(summaries, c.Summary())
	}
	return summaries, nil
}

// Events returns the persisted lifecycle log for a conflict.
func (s *Service) Events(ctx context.Context, id string) ([]storage.StoredEvent, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetEvents(ctx, id)
}

// recordEvent appends to the per-conflict event log. The log is an audit
// aid, not the source of truth, so failures are logged and swallowed.
func (s *Service) recordEvent(ctx context.Context, conflictID, eventType string, payload any) {
	if err := s.store.AppendEvent(ctx, conflictID, eventType, payload); err != nil {
		s.logger.ErrorContext(ctx, "failed to append conflict event",
			"conflict_id", conflictID, "event_type", eventType, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, eventType audit.EventType, c *types.Conflict, details map[string]any) {
	s.trail.Record(ctx, audit.Event{
		EventType:     eventType,
		UserID:        c.UserID,
		ConflictID:    c.ID,
		DataType:      string(c.DataType),
		EntityID:      c.EntityID,
		Severity:      string(c.Severity),
		SyncSessionID: c.SyncSessionID,
		DeviceID:      c.DeviceID,
		Details:       details,
		Success:       true,
	})
}
