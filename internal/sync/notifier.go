// Package sync pushes conflict lifecycle updates to connected devices so
// the UI can surface them without polling.
package sync

import (
	"context"
	"time"

	"fitsync/internal/logging"
	"fitsync/internal/websocket"
	"fitsync/pkg/types"
)

// Broadcaster is the fan-out the notifier publishes through.
type Broadcaster interface {
	BroadcastConflictEvent(event *websocket.ConflictEvent)
}

// Notifier translates conflict records into wire events. A notifier built
// without a broadcaster is a no-op, so callers never branch on whether the
// realtime layer is wired.
type Notifier struct {
	broadcaster Broadcaster
	logger      logging.Logger
	enabled     bool
}

// NewNotifier creates a notifier publishing through the given broadcaster.
func NewNotifier(broadcaster Broadcaster, logger logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Notifier{
		broadcaster: broadcaster,
		logger:      logger.WithComponent("sync_notifier"),
		enabled:     broadcaster != nil,
	}
}

// Enabled reports whether a broadcaster is wired in.
func (n *Notifier) Enabled() bool { return n.enabled }

// ConflictDetected announces a newly detected or refreshed conflict.
func (n *Notifier) ConflictDetected(ctx context.Context, c *types.Conflict) {
	n.publish(ctx, "conflict", "detected", c, map[string]any{
		"field_conflict_count": len(c.FieldConflicts),
		"auto_resolvable":      c.AutoResolvable,
	})
}

// ConflictResolved announces a resolution, automatic or manual.
func (n *Notifier) ConflictResolved(ctx context.Context, c *types.Conflict) {
	details := map[string]any{}
	if c.Resolution != nil {
		details["strategy"] = string(c.Resolution.Strategy)
		details["resolved_by"] = c.Resolution.ResolvedBy
		details["human_verified"] = c.Resolution.HumanVerified
	}
	n.publish(ctx, "conflict", "resolved", c, details)
}

// ConflictEscalated announces that a conflict now needs the user.
func (n *Notifier) ConflictEscalated(ctx context.Context, c *types.Conflict) {
	n.publish(ctx, "conflict", "escalated", c, map[string]any{
		"escalation_level":    c.EscalationLevel,
		"requires_user_input": c.RequiresUserInput,
	})
}

// RecommendationAttached announces a new AI recommendation.
func (n *Notifier) RecommendationAttached(ctx context.Context, c *types.Conflict) {
	details := map[string]any{}
	if c.Recommendation != nil {
		details["strategy"] = string(c.Recommendation.Strategy)
		details["confidence"] = c.Recommendation.Confidence
	}
	n.publish(ctx, "conflict", "recommendation", c, details)
}

func (n *Notifier) publish(ctx context.Context, eventType, action string, c *types.Conflict, details map[string]any) {
	if !n.enabled {
		return
	}

	n.broadcaster.BroadcastConflictEvent(&websocket.ConflictEvent{
		Type:          eventType,
		Action:        action,
		ConflictID:    c.ID,
		UserID:        c.UserID,
		DataType:      string(c.DataType),
		EntityID:      c.EntityID,
		Severity:      string(c.Severity),
		SyncSessionID: c.SyncSessionID,
		Timestamp:     time.Now(),
		Data:          details,
	})

	n.logger.DebugContext(ctx, "published conflict event",
		"action", action, "conflict_id", c.ID, "user_id", c.UserID)
}
