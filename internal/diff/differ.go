// Package diff compares two flat key/value snapshots of an entity and
// produces per-field conflicts with normalized scores.
package diff

import (
	"math"
	"reflect"
	"sort"
	"time"

	"fitsync/pkg/types"
)

// Score assigned to fields whose types have no cheap distance metric
// (objects, arrays, enums, booleans). Nested diffing is out of scope.
const structuralMismatchScore = 0.5

// Diff unions the key sets of both snapshots and returns a FieldConflict
// for every key whose values are not deeply equal, ordered by field name.
// localAt and remoteAt are the per-side last-update times stamped onto each
// field conflict.
func Diff(local, remote map[string]any, localAt, remoteAt time.Time) []types.FieldConflict {
	keys := make([]string, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(local)+len(remote))
	for k := range local {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range remote {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var conflicts []types.FieldConflict
	for _, key := range keys {
		lv, lok := local[key]
		rv, rok := remote[key]
		if lok && rok && valuesEqual(lv, rv) {
			continue
		}

		conflicts = append(conflicts, types.FieldConflict{
			FieldName:       key,
			LocalValue:      lv,
			RemoteValue:     rv,
			ValueType:       inferValueType(lv, rv),
			LocalUpdatedAt:  localAt,
			RemoteUpdatedAt: remoteAt,
			ConflictScore:   Score(lv, rv, lok, rok),
		})
	}

	return conflicts
}

// Score computes the normalized [0,1] distance between two field values.
// The function is symmetric: Score(a, b) == Score(b, a).
func Score(a, b any, aPresent, bPresent bool) float64 {
	if !aPresent || !bPresent || a == nil || b == nil {
		return 1.0
	}
	if valuesEqual(a, b) {
		return 0.0
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return numericScore(af, bf)
		}
	}

	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return stringScore(as, bs)
		}
	}

	return structuralMismatchScore
}

// numericScore is min(1, |a-b| / max(|a|,|b|)), 0 when both are 0.
func numericScore(a, b float64) float64 {
	if a == b {
		return 0
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return 0
	}
	return math.Min(1, math.Abs(a-b)/denom)
}

// stringScore is the rune-position mismatch rate over the longer string's
// length. A cheap, symmetric proxy for edit distance bounded to [0,1].
func stringScore(a, b string) float64 {
	ar := []rune(a)
	br := []rune(b)
	longer := len(ar)
	if len(br) > longer {
		longer = len(br)
	}
	if longer == 0 {
		return 0
	}

	shorter := len(ar)
	if len(br) < shorter {
		shorter = len(br)
	}

	mismatches := longer - shorter
	for i := 0; i < shorter; i++ {
		if ar[i] != br[i] {
			mismatches++
		}
	}

	return float64(mismatches) / float64(longer)
}

// valuesEqual is the deep-equality check conflict detection is built on.
// Numeric values compare by magnitude so int and float encodings of the
// same number never register as a conflict.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// inferValueType reports the wire type of a field, preferring whichever
// side is non-nil.
func inferValueType(a, b any) string {
	v := a
	if v == nil {
		v = b
	}
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64:
		return "number"
	case []any, []string:
		return "array"
	default:
		return "object"
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
