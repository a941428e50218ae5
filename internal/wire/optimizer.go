package wire

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"spaceship-sync/internal/delta"
	"spaceship-sync/internal/state"
)

const (
	DefaultMovementThrottle = 100 * time.Millisecond
	DefaultPixelThreshold   = 5.0
)

// DefaultProfiles lists the fields each entity kind keeps on the wire.
func DefaultProfiles() map[string][]string {
	return map[string][]string{
		"asteroid": {"id", "x", "y", "size", "health"},
		"player":   {"id", "name", "ship", "x", "y", "rotation", "velocityX", "velocityY", "health", "maxHealth", "score", "boost", "state"},
	}
}

// Options configures an Optimizer.
type Options struct {
	MovementThrottle time.Duration
	// EnableDeltaSync adds the pixel filter after the throttle.
	EnableDeltaSync bool
	PixelThreshold  float64
	Profiles        map[string][]string
	Codec           CodecOptions
	Logger          zerolog.Logger
	Now             func() time.Time
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		MovementThrottle: DefaultMovementThrottle,
		EnableDeltaSync:  true,
		PixelThreshold:   DefaultPixelThreshold,
		Profiles:         DefaultProfiles(),
		Codec:            DefaultCodecOptions(),
		Logger:           zerolog.Nop(),
	}
}

// MovementSample is one raw position report from the simulation.
type MovementSample struct {
	X        float64
	Y        float64
	Rotation float64
}

// OptimizedSample is a movement sample ready to send.
type OptimizedSample struct {
	EntityID  string  `json:"id"`
	X         int     `json:"x"`
	Y         int     `json:"y"`
	Rotation  float64 `json:"rotation"`
	Timestamp int64   `json:"timestamp"`
}

type movementTrack struct {
	mu       sync.Mutex
	emitted  bool
	lastEmit time.Time
	lastSent *OptimizedSample
	pending  *MovementSample
}

// Optimizer sits between the simulation and the transport. It owns the
// movement throttle, per-kind field projection, the wire codec and the
// bandwidth counters, and drives an Encoder for entity and chunk syncs.
type Optimizer struct {
	opts  Options
	enc   *delta.Encoder
	codec *Codec
	log   zerolog.Logger
	now   func() time.Time

	tracks sync.Map // entity id -> *movementTrack
	stats  bandwidth
}

// NewOptimizer wires an optimizer to enc. Zero durations and thresholds take
// the defaults; EnableDeltaSync is used as given.
func NewOptimizer(enc *delta.Encoder, opts Options) (*Optimizer, error) {
	if enc == nil {
		return nil, eris.New("optimizer needs an encoder")
	}
	if opts.MovementThrottle <= 0 {
		opts.MovementThrottle = DefaultMovementThrottle
	}
	if opts.PixelThreshold <= 0 {
		opts.PixelThreshold = DefaultPixelThreshold
	}
	if opts.Profiles == nil {
		opts.Profiles = DefaultProfiles()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	codec, err := NewCodec(opts.Codec)
	if err != nil {
		return nil, eris.Wrap(err, "build wire codec")
	}
	return &Optimizer{
		opts:  opts,
		enc:   enc,
		codec: codec,
		log:   opts.Logger.With().Str("component", "wire_optimizer").Logger(),
		now:   opts.Now,
	}, nil
}

// Close releases the codec.
func (o *Optimizer) Close() { o.codec.Close() }

// Encoder returns the delta encoder the optimizer feeds.
func (o *Optimizer) Encoder() *delta.Encoder { return o.enc }

// Codec returns the wire codec.
func (o *Optimizer) Codec() *Codec { return o.codec }

func (o *Optimizer) track(entityID string) *movementTrack {
	if t, ok := o.tracks.Load(entityID); ok {
		return t.(*movementTrack)
	}
	t, _ := o.tracks.LoadOrStore(entityID, &movementTrack{})
	return t.(*movementTrack)
}

func (o *Optimizer) optimize(entityID string, s MovementSample, now time.Time) OptimizedSample {
	return OptimizedSample{
		EntityID:  entityID,
		X:         int(math.Round(s.X)),
		Y:         int(math.Round(s.Y)),
		Rotation:  math.Round(s.Rotation*100) / 100,
		Timestamp: now.UnixMilli(),
	}
}

// ThrottleMovement lets at most one sample per MovementThrottle through for
// an entity. A sample inside the window is kept as pending and false is
// returned; the caller drains it later with FlushPending. With delta sync on,
// a sample that passed the throttle is still dropped when it lies within
// PixelThreshold of the last sample sent.
func (o *Optimizer) ThrottleMovement(entityID string, s MovementSample) (OptimizedSample, bool) {
	now := o.now()
	t := o.track(entityID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.emitted && now.Sub(t.lastEmit) < o.opts.MovementThrottle {
		pending := s
		t.pending = &pending
		return OptimizedSample{}, false
	}
	t.emitted = true
	t.lastEmit = now
	t.pending = nil

	out := o.optimize(entityID, s, now)
	if o.opts.EnableDeltaSync && t.lastSent != nil {
		dx := float64(out.X - t.lastSent.X)
		dy := float64(out.Y - t.lastSent.Y)
		if math.Hypot(dx, dy) < o.opts.PixelThreshold {
			return OptimizedSample{}, false
		}
	}
	t.lastSent = &out
	return out, true
}

// FlushPending emits the sample held back by the throttle for an entity, if
// any. It bypasses both filters.
func (o *Optimizer) FlushPending(entityID string) (OptimizedSample, bool) {
	v, ok := o.tracks.Load(entityID)
	if !ok {
		return OptimizedSample{}, false
	}
	return o.flush(entityID, v.(*movementTrack), o.now())
}

func (o *Optimizer) flush(entityID string, t *movementTrack, now time.Time) (OptimizedSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return OptimizedSample{}, false
	}
	out := o.optimize(entityID, *t.pending, now)
	t.pending = nil
	t.emitted = true
	t.lastEmit = now
	t.lastSent = &out
	return out, true
}

// FlushAllPending drains every pending sample, ordered by entity id.
func (o *Optimizer) FlushAllPending() []OptimizedSample {
	now := o.now()
	var out []OptimizedSample
	o.tracks.Range(func(k, v any) bool {
		if s, ok := o.flush(k.(string), v.(*movementTrack), now); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// ForgetMovement drops the movement history of an entity.
func (o *Optimizer) ForgetMovement(entityID string) {
	o.tracks.Delete(entityID)
}

// ProjectEntityFields keeps only the listed fields of every item. Fields an
// item lacks are omitted, not defaulted.
func ProjectEntityFields(items []state.State, keep []string) []state.State {
	if items == nil {
		return nil
	}
	out := make([]state.State, len(items))
	for i, item := range items {
		out[i] = item.Project(keep)
	}
	return out
}

// ProjectEntityFields applies the package-level projection.
func (o *Optimizer) ProjectEntityFields(items []state.State, keep []string) []state.State {
	return ProjectEntityFields(items, keep)
}

// Profile returns the field list configured for kind.
func (o *Optimizer) Profile(kind string) ([]string, bool) {
	keep, ok := o.opts.Profiles[kind]
	return keep, ok
}

// Project reduces items to the profile of kind. Kinds without a profile are
// copied unchanged.
func (o *Optimizer) Project(kind string, items []state.State) []state.State {
	keep, ok := o.opts.Profiles[kind]
	if !ok {
		return state.CloneAll(items)
	}
	return ProjectEntityFields(items, keep)
}

func (o *Optimizer) projectOne(kind string, entity state.State) state.State {
	keep, ok := o.opts.Profiles[kind]
	if !ok || entity == nil {
		return entity
	}
	projected := entity.Project(keep)
	if id, has := entity[state.IDField]; has {
		projected[state.IDField] = id
	}
	return projected
}

// SyncEntity projects entity to its kind's profile and computes the payload
// to send on stream.
func (o *Optimizer) SyncEntity(stream, kind string, entity state.State) delta.Payload {
	projected := o.projectOne(kind, entity)
	id, _ := entity.ID()
	return o.enc.ComputeDelta(stream, id, projected)
}

// SyncCollection projects a collection and reconciles it against what stream
// last received for collectionID. False means nothing to send.
func (o *Optimizer) SyncCollection(stream, kind, collectionID string, items []state.State) (delta.ArrayDelta, bool) {
	return o.enc.ComputeArrayDelta(stream, collectionID, o.Project(kind, items), state.IDField)
}

// DropStream forgets everything stream has been sent so the next sync of
// every entity is full.
func (o *Optimizer) DropStream(stream string) int {
	return o.enc.DropStream(stream)
}

// EncodeWire encodes v into a frame and records the saving. When the codec
// fails the message goes out as plain JSON instead.
func (o *Optimizer) EncodeWire(v any) ([]byte, error) {
	frame, plain, err := o.codec.encode(v)
	if err == nil {
		o.stats.record(plain, len(frame))
		return frame, nil
	}
	o.log.Warn().Err(err).Msg("wire encoding failed, sending plain json")
	raw, jerr := json.Marshal(v)
	if jerr != nil {
		return nil, eris.Wrap(jerr, "marshal plain json")
	}
	o.stats.record(len(raw), len(raw))
	return raw, nil
}

// DecodeWire reverses EncodeWire. On failure the input is returned unchanged
// along with the error.
func (o *Optimizer) DecodeWire(frame []byte) (any, error) {
	v, err := o.codec.Decode(frame)
	if err != nil {
		o.log.Warn().Err(err).Int("bytes", len(frame)).Msg("wire decoding failed")
		return frame, err
	}
	return v, nil
}

// Stats returns the bandwidth counters.
func (o *Optimizer) Stats() Stats { return o.stats.snapshot() }

// ResetStats zeroes the counters and forgets the last sent movement samples.
// Pending samples are kept.
func (o *Optimizer) ResetStats() {
	o.stats.reset()
	o.tracks.Range(func(_, v any) bool {
		t := v.(*movementTrack)
		t.mu.Lock()
		t.emitted = false
		t.lastEmit = time.Time{}
		t.lastSent = nil
		t.mu.Unlock()
		return true
	})
}
