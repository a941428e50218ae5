package delta

import (
	"math"
	"sort"
	"strings"

	"spaceship-sync/internal/state"
)

// FieldRules configures how individual fields are compared.
type FieldRules struct {
	// Priority fields are checked first, in the listed order.
	Priority []string
	// Ignore lists audit fields that never produce a change.
	Ignore []string
	// ReservedPrefix marks bookkeeping fields that are skipped entirely.
	ReservedPrefix string

	PositionalFields    []string
	HealthFields        []string
	PositionalThreshold float64
	HealthThreshold     float64
	DefaultThreshold    float64
}

// DefaultFieldRules returns the thresholds used by the game server: one pixel
// of positional jitter, a tenth of a health point, and 0.001 for anything else.
func DefaultFieldRules() FieldRules {
	return FieldRules{
		Priority:            []string{"x", "y", "rotation", "health", "velocityX", "velocityY", "state"},
		Ignore:              []string{"lastUpdate", "lastUpdated", "updatedAt", "createdAt", "timestamp"},
		ReservedPrefix:      "_",
		PositionalFields:    []string{"x", "y", "z", "targetX", "targetY"},
		HealthFields:        []string{"health", "hp", "maxHealth", "shield", "energy"},
		PositionalThreshold: 1.0,
		HealthThreshold:     0.1,
		DefaultThreshold:    0.001,
	}
}

// Detector decides whether a field changed between two snapshots.
type Detector struct {
	rules      FieldRules
	priority   map[string]struct{}
	ignore     map[string]struct{}
	positional map[string]struct{}
	health     map[string]struct{}
}

// NewDetector builds a detector. Zero thresholds fall back to the defaults.
func NewDetector(rules FieldRules) *Detector {
	def := DefaultFieldRules()
	if rules.PositionalThreshold <= 0 {
		rules.PositionalThreshold = def.PositionalThreshold
	}
	if rules.HealthThreshold <= 0 {
		rules.HealthThreshold = def.HealthThreshold
	}
	if rules.DefaultThreshold <= 0 {
		rules.DefaultThreshold = def.DefaultThreshold
	}
	return &Detector{
		rules:      rules,
		priority:   toSet(rules.Priority),
		ignore:     toSet(rules.Ignore),
		positional: toSet(rules.PositionalFields),
		health:     toSet(rules.HealthFields),
	}
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

// Threshold returns the numeric tolerance applied to field.
func (d *Detector) Threshold(field string) float64 {
	if _, ok := d.positional[field]; ok {
		return d.rules.PositionalThreshold
	}
	if _, ok := d.health[field]; ok {
		return d.rules.HealthThreshold
	}
	return d.rules.DefaultThreshold
}

func (d *Detector) skipped(field string) bool {
	if _, ok := d.ignore[field]; ok {
		return true
	}
	return d.rules.ReservedPrefix != "" && strings.HasPrefix(field, d.rules.ReservedPrefix)
}

// FieldChanged applies the per-field comparison rule.
func (d *Detector) FieldChanged(field string, prev, curr any) bool {
	kp, kc := state.KindOf(prev), state.KindOf(curr)
	if kp == state.KindNull && kc == state.KindNull {
		return false
	}
	if kp != kc {
		return true
	}
	switch kp {
	case state.KindNumber:
		a, _ := state.Number(prev)
		b, _ := state.Number(curr)
		return math.Abs(a-b) > d.Threshold(field)
	case state.KindString:
		return prev.(string) != curr.(string)
	case state.KindArray:
		pa, _ := state.Elements(prev)
		ca, _ := state.Elements(curr)
		if len(pa) != len(ca) {
			return true
		}
		for i := range pa {
			if !state.Equal(pa[i], ca[i]) {
				return true
			}
		}
		return false
	}
	return !state.Equal(prev, curr)
}

// Changes returns the fields of curr that differ from prev. Removed fields
// are reported with a nil value. The result never aliases curr.
func (d *Detector) Changes(prev, curr state.State) state.State {
	out := state.State{}
	for _, field := range d.rules.Priority {
		if d.skipped(field) {
			continue
		}
		pv, inPrev := prev[field]
		cv, inCurr := curr[field]
		if !inPrev && !inCurr {
			continue
		}
		if d.FieldChanged(field, pv, cv) {
			out[field] = state.CloneValue(cv)
		}
	}

	rest := make([]string, 0, len(curr)+len(prev))
	for field := range curr {
		rest = append(rest, field)
	}
	for field := range prev {
		if _, ok := curr[field]; !ok {
			rest = append(rest, field)
		}
	}
	sort.Strings(rest)
	for _, field := range rest {
		if _, ok := d.priority[field]; ok || d.skipped(field) {
			continue
		}
		if d.FieldChanged(field, prev[field], curr[field]) {
			out[field] = state.CloneValue(curr[field])
		}
	}
	return out
}
