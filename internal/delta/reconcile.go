package delta

import "spaceship-sync/internal/state"

// ReconcileArray diffs two identity-keyed collections. Items without a usable
// identity are ignored. The boolean is false when nothing changed; callers
// must not put an empty ArrayDelta on the wire.
func (d *Detector) ReconcileArray(prev, curr []state.State, idField string) (ArrayDelta, bool) {
	if idField == "" {
		idField = state.IDField
	}
	prevByID := indexByID(prev, idField)
	currByID := indexByID(curr, idField)

	var out ArrayDelta
	for _, item := range prev {
		id, ok := state.IDString(item[idField])
		if !ok {
			continue
		}
		if _, still := currByID[id]; !still {
			out.Removed = append(out.Removed, ItemRef{ID: item[idField]})
		}
	}
	for _, item := range curr {
		id, ok := state.IDString(item[idField])
		if !ok {
			continue
		}
		old, existed := prevByID[id]
		if !existed {
			out.Added = append(out.Added, item.Clone())
			continue
		}
		changes := d.Changes(old, item)
		if len(changes) > 0 {
			out.Updated = append(out.Updated, ItemChange{ID: item[idField], Changes: changes})
		}
	}
	if out.Empty() {
		return ArrayDelta{}, false
	}
	return out, true
}

func indexByID(items []state.State, idField string) map[string]state.State {
	out := make(map[string]state.State, len(items))
	for _, item := range items {
		if id, ok := state.IDString(item[idField]); ok {
			out[id] = item
		}
	}
	return out
}
