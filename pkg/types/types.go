// Package types provides the core data structures for the sync conflict
// engine: data type enumeration, field conflicts, conflict records,
// resolutions and AI recommendations.
package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DataType identifies the kind of entity being reconciled. The set is
// closed: unknown values are a caller error rejected at the boundary.
type DataType string

const (
	DataTypeWorkoutEntry         DataType = "workout-entry"
	DataTypeMacroProfile         DataType = "macro-profile"
	DataTypeCustomFood           DataType = "custom-food"
	DataTypeTrainingRelationship DataType = "training-relationship"
	DataTypeUserProfile          DataType = "user-profile"
	DataTypeExerciseData         DataType = "exercise-data"
)

// Valid returns true if the data type is part of the closed enumeration.
func (dt DataType) Valid() bool {
	switch dt {
	case DataTypeWorkoutEntry, DataTypeMacroProfile, DataTypeCustomFood,
		DataTypeTrainingRelationship, DataTypeUserProfile, DataTypeExerciseData:
		return true
	}
	return false
}

// IsRelationship reports whether the data type links two users together.
// Relationship types get stricter conflict classification.
func (dt DataType) IsRelationship() bool {
	return dt == DataTypeTrainingRelationship
}

// Severity represents how serious a conflict is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid returns true if the severity is a known level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Weight returns the ordering weight of a severity level.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Promote returns the severity one step up, capped at critical.
func (s Severity) Promote() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	default:
		return s
	}
}

// MaxSeverity returns the higher of two severities. Severity is monotonic
// over a conflict's lifetime, so transitions always go through this.
func MaxSeverity(a, b Severity) Severity {
	if b.Weight() > a.Weight() {
		return b
	}
	return a
}

// ResolutionStrategy identifies how a conflict was (or should be) resolved.
type ResolutionStrategy string

const (
	StrategyPreferRemote ResolutionStrategy = "prefer-remote"
	StrategyPreferLocal  ResolutionStrategy = "prefer-local"
	StrategyPreferLatest ResolutionStrategy = "prefer-latest"
	StrategyMerge        ResolutionStrategy = "merge"
	StrategyManualReview ResolutionStrategy = "manual-review"
	StrategyUserDecision ResolutionStrategy = "user-decision"
)

// Valid returns true if the strategy is a known resolution strategy.
func (rs ResolutionStrategy) Valid() bool {
	switch rs {
	case StrategyPreferRemote, StrategyPreferLocal, StrategyPreferLatest,
		StrategyMerge, StrategyManualReview, StrategyUserDecision:
		return true
	}
	return false
}

// Actors recorded in Resolution.ResolvedBy for non-human resolutions.
const (
	ResolvedBySystem = "system"
	ResolvedByAI     = "ai"
)

// FieldConflict describes one disputed attribute between the local and
// remote snapshots of an entity.
type FieldConflict struct {
	FieldName           string    `json:"field_name"`
	LocalValue          any       `json:"local_value"`
	RemoteValue         any       `json:"remote_value"`
	ValueType           string    `json:"value_type"`
	LocalUpdatedAt      time.Time `json:"local_updated_at"`
	RemoteUpdatedAt     time.Time `json:"remote_updated_at"`
	ConflictScore       float64   `json:"conflict_score"`
	SuggestedResolution any       `json:"suggested_resolution,omitempty"`
}

// Resolution is the outcome of resolving a conflict. HumanVerified implies
// Confidence == 1.0.
type Resolution struct {
	Strategy      ResolutionStrategy `json:"strategy"`
	ResolvedValue map[string]any     `json:"resolved_value"`
	ResolvedAt    time.Time          `json:"resolved_at"`
	ResolvedBy    string             `json:"resolved_by"`
	Confidence    float64            `json:"confidence"`
	HumanVerified bool               `json:"human_verified"`
	Notes         string             `json:"notes,omitempty"`
}

// AIRecommendation is a suggested strategy attached to a conflict, used to
// unlock auto-resolution when its confidence is high enough.
type AIRecommendation struct {
	Strategy   ResolutionStrategy `json:"strategy"`
	Confidence float64            `json:"confidence"`
	Reasoning  string             `json:"reasoning"`
	ReceivedAt time.Time          `json:"received_at"`
}

// Conflict is the persisted record of a disagreement between a local and a
// remote snapshot of the same logical entity. Conflicts are treated as
// immutable values: every mutation goes through the lifecycle transition
// function and produces a new value. Records are retained indefinitely as
// an audit trail and never deleted by this engine.
type Conflict struct {
	ID           string   `json:"id"`
	ConflictHash string   `json:"conflict_hash"`
	UserID       string   `json:"user_id"`
	DataType     DataType `json:"data_type"`
	EntityID     string   `json:"entity_id"`

	LocalData  map[string]any `json:"local_data"`
	RemoteData map[string]any `json:"remote_data"`
	BaseData   map[string]any `json:"base_data,omitempty"`

	LocalVersion  int64 `json:"local_version"`
	RemoteVersion int64 `json:"remote_version"`
	BaseVersion   int64 `json:"base_version,omitempty"`

	Severity       Severity        `json:"severity"`
	FieldConflicts []FieldConflict `json:"field_conflicts"`

	IsResolved bool        `json:"is_resolved"`
	Resolution *Resolution `json:"resolution,omitempty"`

	AutoResolvable    bool `json:"auto_resolvable"`
	RequiresUserInput bool `json:"requires_user_input"`

	RetryCount      int  `json:"retry_count"`
	MaxRetries      int  `json:"max_retries"`
	EscalationLevel int  `json:"escalation_level"`
	UserNotified    bool `json:"user_notified"`

	Recommendation *AIRecommendation `json:"ai_recommendation,omitempty"`

	SyncSessionID string `json:"sync_session_id,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`

	DetectedAt    time.Time  `json:"detected_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AverageConflictScore returns the mean conflict score across all field
// conflicts, 0 when there are none.
func (c *Conflict) AverageConflictScore() float64 {
	if len(c.FieldConflicts) == 0 {
		return 0
	}
	sum := 0.0
	for i := range c.FieldConflicts {
		sum += c.FieldConflicts[i].ConflictScore
	}
	return sum / float64(len(c.FieldConflicts))
}

// ConflictSummary is the view exposed to the UI collaborator: enough to
// render a conflict inbox without shipping the raw snapshots.
type ConflictSummary struct {
	ID                 string            `json:"id"`
	ConflictHash       string            `json:"conflict_hash"`
	UserID             string            `json:"user_id"`
	DataType           DataType          `json:"data_type"`
	EntityID           string            `json:"entity_id"`
	Severity           Severity          `json:"severity"`
	IsResolved         bool              `json:"is_resolved"`
	FieldConflictCount int               `json:"field_conflict_count"`
	ComplexityScore    float64           `json:"complexity_score"`
	RetryCount         int               `json:"retry_count"`
	MaxRetries         int               `json:"max_retries"`
	EscalationLevel    int               `json:"escalation_level"`
	RequiresUserInput  bool              `json:"requires_user_input"`
	Recommendation     *AIRecommendation `json:"ai_recommendation,omitempty"`
	DetectedAt         time.Time         `json:"detected_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// complexity score weights
const (
	complexityFieldWeight    = 0.75
	complexitySeverityWeight = 1.5
	complexityVersionWeight  = 0.4
	complexityScoreWeight    = 2.0
	complexityCap            = 10.0
	complexityMaxVersionGap  = 5.0
)

// ComplexityScore derives a bounded [0,10] difficulty estimate from field
// count, severity, version distance and average field conflict score.
func (c *Conflict) ComplexityScore() float64 {
	versionGap := math.Abs(float64(c.LocalVersion - c.RemoteVersion))
	if versionGap > complexityMaxVersionGap {
		versionGap = complexityMaxVersionGap
	}

	score := float64(len(c.FieldConflicts))*complexityFieldWeight +
		float64(c.Severity.Weight())*complexitySeverityWeight +
		versionGap*complexityVersionWeight +
		c.AverageConflictScore()*complexityScoreWeight

	if score > complexityCap {
		return complexityCap
	}
	return score
}

// Summary projects the conflict into its UI-facing view.
func (c *Conflict) Summary() ConflictSummary {
	return ConflictSummary{
		ID:                 c.ID,
		ConflictHash:       c.ConflictHash,
		UserID:             c.UserID,
		DataType:           c.DataType,
		EntityID:           c.EntityID,
		Severity:           c.Severity,
		IsResolved:         c.IsResolved,
		FieldConflictCount: len(c.FieldConflicts),
		ComplexityScore:    c.ComplexityScore(),
		RetryCount:         c.RetryCount,
		MaxRetries:         c.MaxRetries,
		EscalationLevel:    c.EscalationLevel,
		RequiresUserInput:  c.RequiresUserInput,
		Recommendation:     c.Recommendation,
		DetectedAt:         c.DetectedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

// DetectInput is the tuple the sync/transport collaborator hands the engine
// for each entity needing reconciliation.
type DetectInput struct {
	UserID         string         `json:"user_id"`
	DataType       DataType       `json:"data_type"`
	EntityID       string         `json:"entity_id"`
	LocalSnapshot  map[string]any `json:"local_snapshot"`
	RemoteSnapshot map[string]any `json:"remote_snapshot"`
	LocalVersion   int64          `json:"local_version"`
	RemoteVersion  int64          `json:"remote_version"`
	BaseSnapshot   map[string]any `json:"base_snapshot,omitempty"`
	BaseVersion    int64          `json:"base_version,omitempty"`
	LocalUpdatedAt time.Time      `json:"local_updated_at"`
	RemoteUpdated  time.Time      `json:"remote_updated_at"`
	SyncSessionID  string         `json:"sync_session_id,omitempty"`
	DeviceID       string         `json:"device_id,omitempty"`
}

// Validate rejects malformed detection input before anything is persisted.
func (in *DetectInput) Validate() error {
	if in.UserID == "" {
		return errors.New("user_id is required")
	}
	if in.EntityID == "" {
		return errors.New("entity_id is required")
	}
	if !in.DataType.Valid() {
		return fmt.Errorf("unknown data type %q", in.DataType)
	}
	if in.LocalSnapshot == nil {
		return errors.New("local_snapshot is required")
	}
	if in.RemoteSnapshot == nil {
		return errors.New("remote_snapshot is required")
	}
	if in.LocalVersion < 0 || in.RemoteVersion < 0 || in.BaseVersion < 0 {
		return errors.New("versions must be non-negative")
	}
	return nil
}
