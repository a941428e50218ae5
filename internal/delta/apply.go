package delta

import "spaceship-sync/internal/state"

// ApplyDelta merges the fields of p onto local and returns the result. Fields
// of local that p does not mention are kept. local is never modified; when p
// carries no data local is returned unchanged.
func ApplyDelta(local state.State, p Payload) state.State {
	if p.Data == nil {
		return local
	}
	merged := make(state.State, len(local)+len(p.Data))
	for k, v := range local {
		merged[k] = v
	}
	for k, v := range p.Data {
		merged[k] = state.CloneValue(v)
	}
	return merged
}

// ApplyArrayDelta replays d onto a collection and returns the new collection.
// A Reset delta discards items first. Removed items are dropped, updated items
// merged, and added items replace an item with the same id or are appended.
func ApplyArrayDelta(items []state.State, d ArrayDelta, idField string) []state.State {
	if idField == "" {
		idField = state.IDField
	}
	if d.Reset {
		items = nil
	}
	removed := make(map[string]struct{}, len(d.Removed))
	for _, r := range d.Removed {
		if id, ok := state.IDString(r.ID); ok {
			removed[id] = struct{}{}
		}
	}
	updates := make(map[string]state.State, len(d.Updated))
	for _, u := range d.Updated {
		if id, ok := state.IDString(u.ID); ok {
			updates[id] = u.Changes
		}
	}

	out := make([]state.State, 0, len(items)+len(d.Added))
	at := make(map[string]int, len(items)+len(d.Added))
	for _, item := range items {
		id, ok := state.IDString(item[idField])
		if ok {
			if _, gone := removed[id]; gone {
				continue
			}
			if changes, hit := updates[id]; hit {
				item = ApplyDelta(item, Payload{Data: changes})
			}
			if i, dup := at[id]; dup {
				out[i] = item
				continue
			}
			at[id] = len(out)
		}
		out = append(out, item)
	}
	for _, item := range d.Added {
		if id, ok := state.IDString(item[idField]); ok {
			if i, dup := at[id]; dup {
				out[i] = item.Clone()
				continue
			}
			at[id] = len(out)
		}
		out = append(out, item.Clone())
	}
	return out
}
