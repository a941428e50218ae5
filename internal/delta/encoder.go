package delta

import (
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"spaceship-sync/internal/state"
)

const (
	DefaultSizeFallbackRatio = 0.8
	DefaultIdleTTL           = 10 * time.Minute
	DefaultSweepInterval     = 5 * time.Minute
	DefaultShards            = 32
)

// Options configures an Encoder. Zero values take the defaults.
type Options struct {
	// SizeFallbackRatio is the share of the full snapshot's serialised size
	// above which a delta is replaced by a full payload.
	SizeFallbackRatio float64
	IdleTTL           time.Duration
	SweepInterval     time.Duration
	Shards            int
	Rules             FieldRules
	Logger            zerolog.Logger
	Now               func() time.Time
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		SizeFallbackRatio: DefaultSizeFallbackRatio,
		IdleTTL:           DefaultIdleTTL,
		SweepInterval:     DefaultSweepInterval,
		Shards:            DefaultShards,
		Rules:             DefaultFieldRules(),
		Logger:            zerolog.Nop(),
	}
}

// Counters is a point-in-time view of the encoder's decisions.
type Counters struct {
	Fulls     uint64 `json:"fulls"`
	Deltas    uint64 `json:"deltas"`
	Fallbacks uint64 `json:"fallbacks"`
	Malformed uint64 `json:"malformed"`
	Evicted   uint64 `json:"evicted"`
	Entries   int    `json:"entries"`
}

// Encoder keeps the last transmitted state of every entity per stream and
// turns new states into full or delta payloads.
type Encoder struct {
	opts     Options
	detector *Detector
	cache    *entityCache
	log      zerolog.Logger
	now      func() time.Time

	lastSweep atomic.Int64

	fulls     atomic.Uint64
	deltas    atomic.Uint64
	fallbacks atomic.Uint64
	malformed atomic.Uint64
	evicted   atomic.Uint64
}

// NewEncoder creates an encoder with its own empty cache.
func NewEncoder(opts Options) *Encoder {
	if opts.SizeFallbackRatio <= 0 {
		opts.SizeFallbackRatio = DefaultSizeFallbackRatio
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Encoder{
		opts:     opts,
		detector: NewDetector(opts.Rules),
		cache:    newEntityCache(opts.Shards),
		log:      opts.Logger.With().Str("component", "delta_encoder").Logger(),
		now:      opts.Now,
	}
	e.lastSweep.Store(opts.Now().UnixNano())
	return e
}

// Detector exposes the field comparison rules used by the encoder.
func (e *Encoder) Detector() *Detector { return e.detector }

// ComputeDelta diffs current against the cached state of entityID in the
// given stream and returns the payload to transmit. It never fails: malformed
// input is passed through as a full payload without touching the cache.
func (e *Encoder) ComputeDelta(streamKey, entityID string, current state.State) Payload {
	now := e.now()
	e.maybeSweep(now)
	ts := now.UnixMilli()

	if id, ok := current.ID(); !ok || id != entityID {
		e.malformed.Add(1)
		e.log.Warn().Str("stream", streamKey).Str("entity", entityID).
			Bool("has_id", ok).Msg("malformed entity state, sending full")
		return Payload{Type: TypeFull, EntityID: entityID, Data: current.Clone(), Timestamp: ts}
	}

	ent := e.cache.acquire(entryKey{stream: streamKey, id: entityID})
	defer ent.mu.Unlock()

	if !ent.seen {
		ent.seen = true
		ent.snapshot = current.Clone()
		ent.version = 0
		ent.touch(now)
		e.fulls.Add(1)
		return Payload{Type: TypeFull, EntityID: entityID, Data: current.Clone(), Timestamp: ts}
	}

	changes := e.detector.Changes(ent.snapshot, current)
	if e.preferFull(streamKey, entityID, changes, current) {
		ent.snapshot = current.Clone()
		ent.touch(now)
		e.fallbacks.Add(1)
		e.fulls.Add(1)
		return Payload{Type: TypeFull, EntityID: entityID, Data: current.Clone(), Timestamp: ts, Version: ent.version}
	}

	from := ent.version
	ent.version++
	ent.snapshot = current.Clone()
	ent.touch(now)
	e.deltas.Add(1)
	return Payload{
		Type:        TypeDelta,
		EntityID:    entityID,
		Data:        changes,
		Timestamp:   ts,
		FromVersion: from,
		ToVersion:   ent.version,
	}
}

// preferFull reports whether the delta is too large relative to the full
// state to be worth sending. Serialisation failures also select a full send.
func (e *Encoder) preferFull(streamKey, entityID string, changes, current state.State) bool {
	deltaBytes, err := json.Marshal(changes)
	if err != nil {
		e.log.Warn().Err(err).Str("stream", streamKey).Str("entity", entityID).Msg("sizing delta")
		return true
	}
	fullBytes, err := json.Marshal(current)
	if err != nil {
		e.log.Warn().Err(err).Str("stream", streamKey).Str("entity", entityID).Msg("sizing full state")
		return true
	}
	return float64(len(deltaBytes)) > e.opts.SizeFallbackRatio*float64(len(fullBytes))
}

// ComputeArrayDelta reconciles a collection (for example the asteroids of a
// chunk) against what was last sent for collectionID in the stream. The first
// observation, including the first one after the entry was evicted, is a
// Reset carrying every item and is always reported as a change.
func (e *Encoder) ComputeArrayDelta(streamKey, collectionID string, items []state.State, idField string) (ArrayDelta, bool) {
	now := e.now()
	e.maybeSweep(now)

	ent := e.cache.acquire(entryKey{stream: streamKey, id: collectionID, collection: true})
	defer ent.mu.Unlock()

	var (
		d       ArrayDelta
		changed bool
	)
	if !ent.seen {
		ent.seen = true
		d, _ = e.detector.ReconcileArray(nil, items, idField)
		d.Reset, changed = true, true
		e.fulls.Add(1)
	} else if d, changed = e.detector.ReconcileArray(ent.items, items, idField); changed {
		ent.version++
		e.deltas.Add(1)
	}
	ent.items = state.CloneAll(items)
	ent.touch(now)
	return d, changed
}

// ReconcileArray diffs two collections with the encoder's field rules.
func (e *Encoder) ReconcileArray(prev, curr []state.State, idField string) (ArrayDelta, bool) {
	return e.detector.ReconcileArray(prev, curr, idField)
}

func (e *Encoder) maybeSweep(now time.Time) {
	last := e.lastSweep.Load()
	if now.UnixNano()-last < int64(e.opts.SweepInterval) {
		return
	}
	if !e.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	e.Sweep(now)
}

// Sweep evicts entries idle for longer than IdleTTL at now.
func (e *Encoder) Sweep(now time.Time) int {
	removed := e.cache.sweep(now.Add(-e.opts.IdleTTL))
	if removed > 0 {
		e.evicted.Add(uint64(removed))
		e.log.Debug().Int("removed", removed).Msg("evicted idle entities")
	}
	return removed
}

// DropStream forgets everything cached for a stream, so its next update for
// any entity is a full payload.
func (e *Encoder) DropStream(streamKey string) int {
	return e.cache.dropStream(streamKey)
}

// Len returns the number of cached entities and collections.
func (e *Encoder) Len() int { return e.cache.len() }

// Cached reports whether an entity currently has a cache entry and when it
// was last written.
func (e *Encoder) Cached(streamKey, entityID string) (time.Time, bool) {
	return e.cache.lastUpdate(entryKey{stream: streamKey, id: entityID})
}

// Counters returns a snapshot of the encoder's decision counts.
func (e *Encoder) Counters() Counters {
	return Counters{
		Fulls:     e.fulls.Load(),
		Deltas:    e.deltas.Load(),
		Fallbacks: e.fallbacks.Load(),
		Malformed: e.malformed.Load(),
		Evicted:   e.evicted.Load(),
		Entries:   e.cache.len(),
	}
}
