// Package conflict holds the classification, identity hashing and
// lifecycle transition logic for conflict records.
package conflict

import (
	"fitsync/pkg/types"
)

// Classification thresholds. Evaluated in order; first match wins.
const (
	relationshipFieldLimit = 3
	highScoreThreshold     = 0.7
	highCountThreshold     = 5
	mediumScoreThreshold   = 0.4
	mediumCountThreshold   = 2
	autoResolvableMaxCount = 2
)

// identityFields are the fields whose disagreement makes a conflict
// critical: primary keys, user references and type discriminators.
var identityFields = map[string]bool{
	"id":         true,
	"userId":     true,
	"trainerId":  true,
	"clientId":   true,
	"exerciseId": true,
	"entityId":   true,
	"type":       true,
	"dataType":   true,
}

// IsIdentityField reports whether a field name is an identity or
// foreign-key field.
func IsIdentityField(name string) bool {
	return identityFields[name]
}

// Classify turns a set of field conflicts plus the entity type into a
// severity level.
func Classify(fieldConflicts []types.FieldConflict, dataType types.DataType) types.Severity {
	for i := range fieldConflicts {
		if IsIdentityField(fieldConflicts[i].FieldName) {
			return types.SeverityCritical
		}
	}

	count := len(fieldConflicts)
	if dataType.IsRelationship() && count > relationshipFieldLimit {
		return types.SeverityCritical
	}

	avg := averageScore(fieldConflicts)
	if avg > highScoreThreshold || count > highCountThreshold {
		return types.SeverityHigh
	}
	if avg > mediumScoreThreshold || count > mediumCountThreshold {
		return types.SeverityMedium
	}
	return types.SeverityLow
}

// InitialFlags derives the starting policy flags for a freshly detected
// conflict. Both are re-evaluated as recommendations and retry history
// evolve; this is only the initial state.
func InitialFlags(severity types.Severity, fieldConflictCount int) (autoResolvable, requiresUserInput bool) {
	autoResolvable = severity == types.SeverityLow && fieldConflictCount <= autoResolvableMaxCount
	requiresUserInput = severity == types.SeverityCritical || fieldConflictCount > highCountThreshold
	return autoResolvable, requiresUserInput
}

func averageScore(fieldConflicts []types.FieldConflict) float64 {
	if len(fieldConflicts) == 0 {
		return 0
	}
	sum := 0.0
	for i := range fieldConflicts {
		sum += fieldConflicts[i].ConflictScore
	}
	return sum / float64(len(fieldConflicts))
}
