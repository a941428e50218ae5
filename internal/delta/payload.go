// Package delta computes full-or-differential updates for tracked entities
// and merges them back together on the receiving side.
package delta

import "spaceship-sync/internal/state"

// PayloadType tags a Payload as a full snapshot or a differential update.
type PayloadType string

const (
	TypeFull  PayloadType = "full"
	TypeDelta PayloadType = "delta"
)

// Payload is the message body describing one entity update.
//
// For deltas ToVersion is always FromVersion+1. A full payload carries the
// encoder's current version for that entity in Version so a receiver can
// resume checking the delta sequence.
type Payload struct {
	Type        PayloadType `json:"type" msgpack:"type"`
	EntityID    string      `json:"id" msgpack:"id"`
	Data        state.State `json:"data" msgpack:"data"`
	Timestamp   int64       `json:"timestamp" msgpack:"timestamp"`
	FromVersion uint64      `json:"fromVersion,omitempty" msgpack:"fromVersion,omitempty"`
	ToVersion   uint64      `json:"toVersion,omitempty" msgpack:"toVersion,omitempty"`
	Version     uint64      `json:"version,omitempty" msgpack:"version,omitempty"`
}

// IsFull reports whether p replaces the whole entity.
func (p Payload) IsFull() bool { return p.Type == TypeFull }

// ItemRef names a collection item by identity.
type ItemRef struct {
	ID any `json:"id" msgpack:"id"`
}

// ItemChange carries the changed fields of one collection item.
type ItemChange struct {
	ID      any         `json:"id" msgpack:"id"`
	Changes state.State `json:"changes" msgpack:"changes"`
}

// ArrayDelta describes how an identity-keyed collection changed. A Reset
// delta lists the whole collection in Added and replaces whatever the
// receiver holds; it is sent even when the collection is empty.
type ArrayDelta struct {
	Reset   bool          `json:"reset,omitempty" msgpack:"reset,omitempty"`
	Added   []state.State `json:"added,omitempty" msgpack:"added,omitempty"`
	Updated []ItemChange  `json:"updated,omitempty" msgpack:"updated,omitempty"`
	Removed []ItemRef     `json:"removed,omitempty" msgpack:"removed,omitempty"`
}

// Empty reports whether d carries no change at all.
func (d ArrayDelta) Empty() bool {
	return !d.Reset && len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}
