package delta_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"spaceship-sync/internal/delta"
	"spaceship-sync/internal/state"
)

func TestFieldChanged(t *testing.T) {
	d := delta.NewDetector(delta.DefaultFieldRules())

	tests := []struct {
		name  string
		field string
		prev  any
		curr  any
		want  bool
	}{
		{"position jitter", "x", 10.0, 10.5, false},
		{"position move", "x", 10.0, 12.0, true},
		{"position at threshold", "y", 10.0, 11.0, false},
		{"health tick", "health", 100.0, 99.95, false},
		{"health hit", "health", 100.0, 99.0, true},
		{"hp alias", "hp", 5, 3, true},
		{"default tolerance", "score", 1.0, 1.0005, false},
		{"default change", "score", 1.0, 1.01, true},
		{"mixed numeric types", "score", 7, int64(7), false},
		{"string", "state", "idle", "boosting", true},
		{"same string", "state", "idle", "idle", false},
		{"bool flip", "dead", false, true, true},
		{"both null", "target", nil, nil, false},
		{"null to value", "target", nil, "p2", true},
		{"kind change", "target", "p2", 2.0, true},
		{"array length", "cargo", []any{"ore"}, []any{"ore", "ice"}, true},
		{"array equal", "cargo", []any{"ore", 1.0}, []any{"ore", 1}, false},
		{"array nested object", "hits", []any{map[string]any{"by": "p1"}}, []any{map[string]any{"by": "p2"}}, true},
		{"object equal", "color", map[string]any{"r": 1.0}, map[string]any{"r": 1.0}, false},
		{"object change", "color", map[string]any{"r": 1.0}, map[string]any{"r": 0.0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.FieldChanged(tt.field, tt.prev, tt.curr))
		})
	}
}

func TestThresholdOverrides(t *testing.T) {
	rules := delta.DefaultFieldRules()
	rules.PositionalThreshold = 5
	d := delta.NewDetector(rules)

	assert.Equal(t, 5.0, d.Threshold("x"))
	assert.Equal(t, 0.1, d.Threshold("shield"))
	assert.Equal(t, 0.001, d.Threshold("anything"))
	assert.False(t, d.FieldChanged("x", 0.0, 4.0))
}

func TestChangesReportsRemovedFieldsAsNull(t *testing.T) {
	d := delta.NewDetector(delta.DefaultFieldRules())
	prev := state.State{"id": "p1", "x": 1.0, "target": "p2"}
	curr := state.State{"id": "p1", "x": 1.0}

	changes := d.Changes(prev, curr)

	assert.Equal(t, state.State{"target": nil}, changes)
}

func TestChangesSkipsIgnoredAndReservedFields(t *testing.T) {
	d := delta.NewDetector(delta.DefaultFieldRules())
	prev := state.State{"id": "p1", "timestamp": 1.0, "_seq": 1.0}
	curr := state.State{"id": "p1", "timestamp": 2.0, "_seq": 2.0, "name": "Vex"}

	assert.Equal(t, state.State{"name": "Vex"}, d.Changes(prev, curr))
}
