package types

import (
	"fmt"
	"sort"
)

// Snapshot is a typed capture of one side of an entity at a point in time.
// The set of implementations is closed over DataType; DecodeSnapshot is the
// only way to build one from wire data, so unknown data types and unknown
// fields are rejected at the boundary instead of flowing into the differ.
type Snapshot interface {
	DataType() DataType
	// Fields flattens the snapshot into the key/value view the field
	// differ operates on. Optional fields appear only when set.
	Fields() map[string]any
}

// WorkoutEntrySnapshot captures a single logged workout set or session.
type WorkoutEntrySnapshot struct {
	ID          string
	UserID      string
	ExerciseID  string
	Name        string
	Sets        float64
	Reps        float64
	WeightKg    float64
	Calories    float64
	PerformedAt string
	DurationMin *float64
	Notes       *string
}

func (s *WorkoutEntrySnapshot) DataType() DataType { return DataTypeWorkoutEntry }

func (s *WorkoutEntrySnapshot) Fields() map[string]any {
	f := map[string]any{
		"id":          s.ID,
		"userId":      s.UserID,
		"exerciseId":  s.ExerciseID,
		"name":        s.Name,
		"sets":        s.Sets,
		"reps":        s.Reps,
		"weightKg":    s.WeightKg,
		"calories":    s.Calories,
		"performedAt": s.PerformedAt,
	}
	putFloat(f, "durationMin", s.DurationMin)
	putString(f, "notes", s.Notes)
	return f
}

// MacroProfileSnapshot captures a user's macro-nutrition targets.
type MacroProfileSnapshot struct {
	ID            string
	UserID        string
	Calories      float64
	ProteinG      float64
	CarbsG        float64
	FatG          float64
	ActivityLevel string
	Goal          string
}

func (s *MacroProfileSnapshot) DataType() DataType { return DataTypeMacroProfile }

func (s *MacroProfileSnapshot) Fields() map[string]any {
	return map[string]any{
		"id":            s.ID,
		"userId":        s.UserID,
		"calories":      s.Calories,
		"proteinG":      s.ProteinG,
		"carbsG":        s.CarbsG,
		"fatG":          s.FatG,
		"activityLevel": s.ActivityLevel,
		"goal":          s.Goal,
	}
}

// CustomFoodSnapshot captures a user-defined food entry.
type CustomFoodSnapshot struct {
	ID          string
	UserID      string
	Name        string
	ServingSize float64
	ServingUnit string
	Calories    float64
	ProteinG    float64
	CarbsG      float64
	FatG        float64
	Brand       *string
}

func (s *CustomFoodSnapshot) DataType() DataType { return DataTypeCustomFood }

func (s *CustomFoodSnapshot) Fields() map[string]any {
	f := map[string]any{
		"id":          s.ID,
		"userId":      s.UserID,
		"name":        s.Name,
		"servingSize": s.ServingSize,
		"servingUnit": s.ServingUnit,
		"calories":    s.Calories,
		"proteinG":    s.ProteinG,
		"carbsG":      s.CarbsG,
		"fatG":        s.FatG,
	}
	putString(f, "brand", s.Brand)
	return f
}

// TrainingRelationshipSnapshot captures a trainer/client linkage.
type TrainingRelationshipSnapshot struct {
	ID          string
	TrainerID   string
	ClientID    string
	Status      string
	StartedAt   string
	Permissions []string
	Notes       *string
}

func (s *TrainingRelationshipSnapshot) DataType() DataType { return DataTypeTrainingRelationship }

func (s *TrainingRelationshipSnapshot) Fields() map[string]any {
	f := map[string]any{
		"id":        s.ID,
		"trainerId": s.TrainerID,
		"clientId":  s.ClientID,
		"status":    s.Status,
		"startedAt": s.StartedAt,
	}
	if len(s.Permissions) > 0 {
		perms := make([]any, len(s.Permissions))
		for i, p := range s.Permissions {
			perms[i] = p
		}
		f["permissions"] = perms
	}
	putString(f, "notes", s.Notes)
	return f
}

// UserProfileSnapshot captures account-level profile data.
type UserProfileSnapshot struct {
	ID            string
	Email         string
	DisplayName   string
	HeightCm      float64
	WeightKg      float64
	BirthDate     string
	ActivityLevel string
	Units         string
}

func (s *UserProfileSnapshot) DataType() DataType { return DataTypeUserProfile }

func (s *UserProfileSnapshot) Fields() map[string]any {
	return map[string]any{
		"id":            s.ID,
		"email":         s.Email,
		"displayName":   s.DisplayName,
		"heightCm":      s.HeightCm,
		"weightKg":      s.WeightKg,
		"birthDate":     s.BirthDate,
		"activityLevel": s.ActivityLevel,
		"units":         s.Units,
	}
}

// ExerciseDataSnapshot captures an exercise definition.
type ExerciseDataSnapshot struct {
	ID           string
	Name         string
	Category     string
	MuscleGroup  string
	Equipment    string
	Instructions *string
	VideoURL     *string
}

func (s *ExerciseDataSnapshot) DataType() DataType { return DataTypeExerciseData }

func (s *ExerciseDataSnapshot) Fields() map[string]any {
	f := map[string]any{
		"id":          s.ID,
		"name":        s.Name,
		"category":    s.Category,
		"muscleGroup": s.MuscleGroup,
		"equipment":   s.Equipment,
	}
	putString(f, "instructions", s.Instructions)
	putString(f, "videoUrl", s.VideoURL)
	return f
}

// DecodeSnapshot builds a typed snapshot from a raw key/value capture. The
// switch is exhaustive over the closed DataType set; keys the variant does
// not declare are a validation error, not silently dropped data.
func DecodeSnapshot(dt DataType, raw map[string]any) (Snapshot, error) {
	if raw == nil {
		return nil, fmt.Errorf("snapshot for %s is nil", dt)
	}

	d := newDecoder(raw)
	var snap Snapshot

	switch dt {
	case DataTypeWorkoutEntry:
		snap = &WorkoutEntrySnapshot{
			ID:          d.str("id"),
			UserID:      d.str("userId"),
			ExerciseID:  d.str("exerciseId"),
			Name:        d.str("name"),
			Sets:        d.num("sets"),
			Reps:        d.num("reps"),
			WeightKg:    d.num("weightKg"),
			Calories:    d.num("calories"),
			PerformedAt: d.str("performedAt"),
			DurationMin: d.optNum("durationMin"),
			Notes:       d.optStr("notes"),
		}
	case DataTypeMacroProfile:
		snap = &MacroProfileSnapshot{
			ID:            d.str("id"),
			UserID:        d.str("userId"),
			Calories:      d.num("calories"),
			ProteinG:      d.num("proteinG"),
			CarbsG:        d.num("carbsG"),
			FatG:          d.num("fatG"),
			ActivityLevel: d.str("activityLevel"),
			Goal:          d.str("goal"),
		}
	case DataTypeCustomFood:
		snap = &CustomFoodSnapshot{
			ID:          d.str("id"),
			UserID:      d.str("userId"),
			Name:        d.str("name"),
			ServingSize: d.num("servingSize"),
			ServingUnit: d.str("servingUnit"),
			Calories:    d.num("calories"),
			ProteinG:    d.num("proteinG"),
			CarbsG:      d.num("carbsG"),
			FatG:        d.num("fatG"),
			Brand:       d.optStr("brand"),
		}
	case DataTypeTrainingRelationship:
		snap = &TrainingRelationshipSnapshot{
			ID:          d.str("id"),
			TrainerID:   d.str("trainerId"),
			ClientID:    d.str("clientId"),
			Status:      d.str("status"),
			StartedAt:   d.str("startedAt"),
			Permissions: d.strSlice("permissions"),
			Notes:       d.optStr("notes"),
		}
	case DataTypeUserProfile:
		snap = &UserProfileSnapshot{
			ID:            d.str("id"),
			Email:         d.str("email"),
			DisplayName:   d.str("displayName"),
			HeightCm:      d.num("heightCm"),
			WeightKg:      d.num("weightKg"),
			BirthDate:     d.str("birthDate"),
			ActivityLevel: d.str("activityLevel"),
			Units:         d.str("units"),
		}
	case DataTypeExerciseData:
		snap = &ExerciseDataSnapshot{
			ID:           d.str("id"),
			Name:         d.str("name"),
			Category:     d.str("category"),
			MuscleGroup:  d.str("muscleGroup"),
			Equipment:    d.str("equipment"),
			Instructions: d.optStr("instructions"),
			VideoURL:     d.optStr("videoUrl"),
		}
	default:
		return nil, fmt.Errorf("unknown data type %q", dt)
	}

	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decode %s snapshot: %w", dt, err)
	}
	return snap, nil
}

// decoder tracks which keys a variant consumed so leftovers can be reported.
type decoder struct {
	raw  map[string]any
	seen map[string]bool
	errs []string
}

func newDecoder(raw map[string]any) *decoder {
	return &decoder{raw: raw, seen: make(map[string]bool, len(raw))}
}

func (d *decoder) str(key string) string {
	d.seen[key] = true
	v, ok := d.raw[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.errs = append(d.errs, fmt.Sprintf("field %q: expected string, got %T", key, v))
		return ""
	}
	return s
}

func (d *decoder) optStr(key string) *string {
	d.seen[key] = true
	v, ok := d.raw[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		d.errs = append(d.errs, fmt.Sprintf("field %q: expected string, got %T", key, v))
		return nil
	}
	return &s
}

func (d *decoder) num(key string) float64 {
	d.seen[key] = true
	v, ok := d.raw[key]
	if !ok || v == nil {
		return 0
	}
	f, ok := toFloat(v)
	if !ok {
		d.errs = append(d.errs, fmt.Sprintf("field %q: expected number, got %T", key, v))
		return 0
	}
	return f
}

func (d *decoder) optNum(key string) *float64 {
	d.seen[key] = true
	v, ok := d.raw[key]
	if !ok || v == nil {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		d.errs = append(d.errs, fmt.Sprintf("field %q: expected number, got %T", key, v))
		return nil
	}
	return &f
}

func (d *decoder) strSlice(key string) []string {
	d.seen[key] = true
	v, ok := d.raw[key]
	if !ok || v == nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		d.errs = append(d.errs, fmt.Sprintf("field %q: expected array, got %T", key, v))
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			d.errs = append(d.errs, fmt.Sprintf("field %q: expected string elements, got %T", key, item))
			return nil
		}
		out = append(out, s)
	}
	return out
}

func (d *decoder) finish() error {
	var unknown []string
	for key := range d.raw {
		if !d.seen[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		d.errs = append(d.errs, fmt.Sprintf("unknown field %q", key))
	}
	if len(d.errs) > 0 {
		return fmt.Errorf("%s", d.errs[0])
	}
	return nil
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

func putFloat(f map[string]any, key string, v *float64) {
	if v != nil {
		f[key] = *v
	}
}

func putString(f map[string]any, key string, v *string) {
	if v != nil {
		f[key] = *v
	}
}
