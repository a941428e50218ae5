package delta_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"spaceship-sync/internal/delta"
	"spaceship-sync/internal/state"
)

func TestApplyDeltaMergesAndKeepsUnmentionedFields(t *testing.T) {
	local := state.State{"id": "p1", "x": 1.0, "name": "Vex"}
	p := delta.Payload{Type: delta.TypeDelta, EntityID: "p1", Data: state.State{"x": 5.0, "score": 3.0}}

	got := delta.ApplyDelta(local, p)

	assert.Equal(t, state.State{"id": "p1", "x": 5.0, "name": "Vex", "score": 3.0}, got)
	assert.Equal(t, 1.0, local["x"], "input must not be modified")
}

func TestApplyDeltaWithoutDataReturnsLocal(t *testing.T) {
	local := state.State{"id": "p1", "x": 1.0}

	got := delta.ApplyDelta(local, delta.Payload{Type: delta.TypeDelta})

	assert.Equal(t, local, got)
}

func TestApplyDeltaNullRemovesValue(t *testing.T) {
	local := state.State{"id": "p1", "target": "p2"}

	got := delta.ApplyDelta(local, delta.Payload{Data: state.State{"target": nil}})

	assert.Contains(t, got, "target")
	assert.Nil(t, got["target"])
}

func TestApplyDeltaCopiesNestedValues(t *testing.T) {
	cargo := []any{"ore"}
	p := delta.Payload{Data: state.State{"cargo": cargo}}

	got := delta.ApplyDelta(state.State{"id": "p1"}, p)
	cargo[0] = "gold"

	assert.Equal(t, []any{"ore"}, got["cargo"])
}

func TestApplyArrayDeltaResetReplacesCollection(t *testing.T) {
	local := []state.State{{"id": "a1", "x": 1.0}, {"id": "a2", "x": 2.0}}

	got := delta.ApplyArrayDelta(local, delta.ArrayDelta{Reset: true, Added: []state.State{{"id": "a2", "x": 5.0}}}, "")
	assert.Equal(t, []state.State{{"id": "a2", "x": 5.0}}, got)

	got = delta.ApplyArrayDelta(local, delta.ArrayDelta{Reset: true}, "")
	assert.Empty(t, got)
	assert.Len(t, local, 2)
}

func TestApplyArrayDeltaAddedReplacesSameID(t *testing.T) {
	local := []state.State{{"id": "a1", "x": 1.0}, {"id": "a2", "x": 2.0}}

	got := delta.ApplyArrayDelta(local, delta.ArrayDelta{Added: []state.State{{"id": "a1", "x": 9.0}, {"id": "a3", "x": 3.0}}}, "")
	assert.Equal(t, []state.State{{"id": "a1", "x": 9.0}, {"id": "a2", "x": 2.0}, {"id": "a3", "x": 3.0}}, got)
}
