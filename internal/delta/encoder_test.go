package delta_test

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceship-sync/internal/delta"
	"spaceship-sync/internal/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEncoder(t *testing.T) (*delta.Encoder, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts := delta.DefaultOptions()
	opts.Shards = 4
	opts.Now = clock.Now
	return delta.NewEncoder(opts), clock
}

func TestComputeDeltaFullOnFirstContact(t *testing.T) {
	enc, _ := newTestEncoder(t)

	p := enc.ComputeDelta("viewer-1", "p1", state.State{"id": "p1", "x": 10.0, "y": 10.0})

	assert.Equal(t, delta.TypeFull, p.Type)
	assert.Equal(t, "p1", p.EntityID)
	assert.Zero(t, p.FromVersion)
	assert.Zero(t, p.ToVersion)
	assert.Zero(t, p.Version)
	assert.Equal(t, 10.0, p.Data["x"])
	assert.Equal(t, 1, enc.Len())
}

func TestComputeDeltaFirstContactIsPerStream(t *testing.T) {
	enc, _ := newTestEncoder(t)
	s := state.State{"id": "p1", "x": 10.0}

	require.Equal(t, delta.TypeFull, enc.ComputeDelta("viewer-1", "p1", s).Type)
	require.Equal(t, delta.TypeDelta, enc.ComputeDelta("viewer-1", "p1", s).Type)
	assert.Equal(t, delta.TypeFull, enc.ComputeDelta("viewer-2", "p1", s).Type)
}

func TestComputeDeltaVersionsIncrementByOne(t *testing.T) {
	enc, _ := newTestEncoder(t)
	base := state.State{"id": "p1", "name": "Captain Longname of the Outer Belt", "x": 0.0, "y": 0.0, "health": 100.0}
	require.Equal(t, delta.TypeFull, enc.ComputeDelta("s", "p1", base).Type)

	for i := 1; i <= 10; i++ {
		next := base.Clone()
		next["x"] = float64(i * 5)
		p := enc.ComputeDelta("s", "p1", next)
		require.Equal(t, delta.TypeDelta, p.Type, "step %d", i)
		assert.Equal(t, uint64(i), p.ToVersion)
		assert.Equal(t, p.ToVersion-1, p.FromVersion)
		assert.Equal(t, float64(i*5), p.Data["x"])
	}
}

func TestComputeDeltaIdenticalStateHasNoFields(t *testing.T) {
	enc, _ := newTestEncoder(t)
	s := state.State{"id": "p1", "x": 10.0, "y": 10.0, "health": 100.0}

	enc.ComputeDelta("s", "p1", s)
	p := enc.ComputeDelta("s", "p1", s.Clone())

	assert.Equal(t, delta.TypeDelta, p.Type)
	assert.Empty(t, p.Data)
	assert.Equal(t, uint64(0), p.FromVersion)
	assert.Equal(t, uint64(1), p.ToVersion)
}

func TestComputeDeltaPositionalThreshold(t *testing.T) {
	enc, _ := newTestEncoder(t)

	enc.ComputeDelta("jitter", "p1", state.State{"id": "p1", "x": 10.0})
	p := enc.ComputeDelta("jitter", "p1", state.State{"id": "p1", "x": 10.5})
	require.Equal(t, delta.TypeDelta, p.Type)
	assert.NotContains(t, p.Data, "x")

	enc.ComputeDelta("move", "p1", state.State{"id": "p1", "x": 10.0})
	p = enc.ComputeDelta("move", "p1", state.State{"id": "p1", "x": 12.0})
	require.Equal(t, delta.TypeDelta, p.Type)
	assert.Equal(t, 12.0, p.Data["x"])
}

func TestComputeDeltaSizeFallback(t *testing.T) {
	enc, _ := newTestEncoder(t)
	enc.ComputeDelta("s", "p1", state.State{"id": "p1", "callsign": "a", "x": 0.0})

	small := enc.ComputeDelta("s", "p1", state.State{"id": "p1", "callsign": "a", "x": 5.0})
	require.Equal(t, delta.TypeDelta, small.Type)
	require.Equal(t, uint64(1), small.ToVersion)

	big := state.State{"id": "p1", "callsign": strings.Repeat("b", 100), "x": 100.0}
	p := enc.ComputeDelta("s", "p1", big)
	assert.Equal(t, delta.TypeFull, p.Type)
	assert.Equal(t, uint64(1), p.Version, "full fallback keeps the version")
	assert.Equal(t, big, p.Data)

	big2 := big.Clone()
	big2["x"] = 110.0
	next := enc.ComputeDelta("s", "p1", big2)
	require.Equal(t, delta.TypeDelta, next.Type)
	assert.Equal(t, uint64(1), next.FromVersion)
	assert.Equal(t, uint64(2), next.ToVersion)
	assert.Equal(t, state.State{"x": 110.0}, next.Data)

	c := enc.Counters()
	assert.Equal(t, uint64(1), c.Fallbacks)
	assert.Equal(t, uint64(2), c.Fulls)
	assert.Equal(t, uint64(2), c.Deltas)
}

func TestComputeDeltaMalformedInputPassesThrough(t *testing.T) {
	enc, _ := newTestEncoder(t)

	p := enc.ComputeDelta("s", "p1", nil)
	assert.Equal(t, delta.TypeFull, p.Type)
	assert.Nil(t, p.Data)

	noID := state.State{"x": 1.0}
	p = enc.ComputeDelta("s", "p1", noID)
	assert.Equal(t, delta.TypeFull, p.Type)
	assert.Equal(t, noID, p.Data)

	p = enc.ComputeDelta("s", "p1", state.State{"id": "p2", "x": 1.0})
	assert.Equal(t, delta.TypeFull, p.Type)

	assert.Zero(t, enc.Len())
	assert.Equal(t, uint64(3), enc.Counters().Malformed)
}

func TestComputeDeltaDoesNotAliasCallerState(t *testing.T) {
	enc, _ := newTestEncoder(t)
	s := state.State{"id": "p1", "x": 10.0, "cargo": []any{"ore"}}
	enc.ComputeDelta("s", "p1", s)

	s["x"] = 50.0
	s["cargo"].([]any)[0] = "gold"

	p := enc.ComputeDelta("s", "p1", state.State{"id": "p1", "x": 10.0, "cargo": []any{"ore"}})
	require.Equal(t, delta.TypeDelta, p.Type)
	assert.Empty(t, p.Data)
}

func TestComputeDeltaIgnoresAuditAndReservedFields(t *testing.T) {
	enc, _ := newTestEncoder(t)
	enc.ComputeDelta("s", "p1", state.State{"id": "p1", "updatedAt": 1.0, "_internal": "a", "name": "Vex"})
	p := enc.ComputeDelta("s", "p1", state.State{"id": "p1", "updatedAt": 2.0, "_internal": "b", "name": "Vex"})

	require.Equal(t, delta.TypeDelta, p.Type)
	assert.Empty(t, p.Data)
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	enc, clock := newTestEncoder(t)
	start := clock.Now()

	enc.ComputeDelta("s", "old", state.State{"id": "old", "x": 1.0})
	clock.Advance(9 * time.Minute)
	enc.ComputeDelta("s", "recent", state.State{"id": "recent", "x": 1.0})
	clock.Advance(time.Minute + time.Second)

	removed := enc.Sweep(clock.Now())
	assert.Equal(t, 1, removed)

	_, ok := enc.Cached("s", "old")
	assert.False(t, ok)
	last, ok := enc.Cached("s", "recent")
	require.True(t, ok)
	assert.Equal(t, start.Add(9*time.Minute), last)

	p := enc.ComputeDelta("s", "old", state.State{"id": "old", "x": 1.0})
	assert.Equal(t, delta.TypeFull, p.Type)
}

func TestSweepRunsLazilyOncePerWindow(t *testing.T) {
	enc, clock := newTestEncoder(t)

	enc.ComputeDelta("s", "a", state.State{"id": "a"})
	clock.Advance(11 * time.Minute)

	// Observing the elapsed window triggers the sweep before "b" is cached.
	enc.ComputeDelta("s", "b", state.State{"id": "b"})
	_, ok := enc.Cached("s", "a")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), enc.Counters().Evicted)

	enc.ComputeDelta("s", "c", state.State{"id": "c"})
	clock.Advance(4 * time.Minute)
	// Inside the sweep window nothing is evicted.
	enc.ComputeDelta("s", "d", state.State{"id": "d"})
	assert.Equal(t, 3, enc.Len())
}

func TestDropStream(t *testing.T) {
	enc, _ := newTestEncoder(t)
	enc.ComputeDelta("viewer-1", "p1", state.State{"id": "p1"})
	enc.ComputeDelta("viewer-1", "p2", state.State{"id": "p2"})
	enc.ComputeDelta("viewer-2", "p1", state.State{"id": "p1"})

	assert.Equal(t, 2, enc.DropStream("viewer-1"))
	assert.Equal(t, 1, enc.Len())
	assert.Equal(t, delta.TypeFull, enc.ComputeDelta("viewer-1", "p1", state.State{"id": "p1"}).Type)
}

func TestComputeDeltaSerialisesSameEntity(t *testing.T) {
	enc, _ := newTestEncoder(t)
	const workers, perWorker = 8, 50

	enc.ComputeDelta("s", "p1", state.State{"id": "p1", "name": "a fairly long ship name", "x": 0.0})

	var (
		mu       sync.Mutex
		versions []uint64
		wg       sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				p := enc.ComputeDelta("s", "p1", state.State{"id": "p1", "name": "a fairly long ship name", "x": float64(w)})
				if p.Type != delta.TypeDelta {
					t.Errorf("unexpected %s payload", p.Type)
					return
				}
				mu.Lock()
				versions = append(versions, p.ToVersion)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	require.Len(t, versions, workers*perWorker)
	for i, v := range versions {
		assert.Equal(t, uint64(i+1), v)
	}
}

func TestComputeDeltaDistinctEntitiesConcurrently(t *testing.T) {
	enc, _ := newTestEncoder(t)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("e%d", w)
			for i := 0; i < 20; i++ {
				enc.ComputeDelta("s", id, state.State{"id": id, "x": float64(i * 3)})
			}
		}(w)
	}
	wg.Wait()

	c := enc.Counters()
	assert.Equal(t, 16, c.Entries)
	assert.Equal(t, uint64(16), c.Fulls)
	assert.Equal(t, uint64(16*19), c.Deltas)
}

func TestComputeArrayDelta(t *testing.T) {
	enc, _ := newTestEncoder(t)
	chunk := []state.State{
		{"id": "a1", "x": 100.0, "y": 100.0, "health": 50.0},
		{"id": "a2", "x": 300.0, "y": 120.0, "health": 50.0},
	}

	d, ok := enc.ComputeArrayDelta("viewer-1", "0:0", chunk, "id")
	require.True(t, ok)
	assert.True(t, d.Reset)
	assert.Len(t, d.Added, 2)

	_, ok = enc.ComputeArrayDelta("viewer-1", "0:0", state.CloneAll(chunk), "id")
	assert.False(t, ok, "unchanged chunk is absent, not an empty delta")

	mined := state.CloneAll(chunk)
	mined[0]["health"] = 20.0
	d, ok = enc.ComputeArrayDelta("viewer-1", "0:0", mined, "id")
	require.True(t, ok)
	require.Len(t, d.Updated, 1)
	assert.Equal(t, "a1", d.Updated[0].ID)
	assert.Equal(t, state.State{"health": 20.0}, d.Updated[0].Changes)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
	assert.False(t, d.Reset)
}

func TestComputeArrayDeltaFirstEmptyObservationIsSent(t *testing.T) {
	enc, _ := newTestEncoder(t)

	d, ok := enc.ComputeArrayDelta("viewer-1", "0:0", nil, "id")
	require.True(t, ok)
	assert.True(t, d.Reset)
	assert.Empty(t, d.Added)

	_, ok = enc.ComputeArrayDelta("viewer-1", "0:0", nil, "id")
	assert.False(t, ok)
}

func TestComputeArrayDeltaResetsAfterEviction(t *testing.T) {
	tests := []struct {
		name  string
		after []state.State
	}{
		{"chunk shrank", []state.State{{"id": "a2", "x": 300.0}}},
		{"chunk emptied", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, clock := newTestEncoder(t)
			before := []state.State{{"id": "a1", "x": 100.0}, {"id": "a2", "x": 300.0}}

			d, ok := enc.ComputeArrayDelta("viewer-1", "0:0", before, "id")
			require.True(t, ok)
			var local []state.State
			local = delta.ApplyArrayDelta(local, d, "id")

			clock.Advance(11 * time.Minute)
			enc.ComputeDelta("viewer-2", "p1", state.State{"id": "p1"})
			_, cached := enc.Cached("viewer-1", "0:0")
			require.False(t, cached)
			require.Equal(t, uint64(1), enc.Counters().Evicted)

			d, ok = enc.ComputeArrayDelta("viewer-1", "0:0", tt.after, "id")
			require.True(t, ok)
			assert.True(t, d.Reset)
			local = delta.ApplyArrayDelta(local, d, "id")
			assert.Equal(t, len(tt.after), len(local))
			for i, item := range tt.after {
				assert.Equal(t, item, local[i])
			}
		})
	}
}

func TestComputeDeltaFullDoesNotAliasCallerState(t *testing.T) {
	enc, _ := newTestEncoder(t)
	s := state.State{"id": "p1", "x": 10.0, "cargo": []any{"ore"}}

	p := enc.ComputeDelta("s", "p1", s)
	require.Equal(t, delta.TypeFull, p.Type)
	s["x"] = 50.0
	s["cargo"].([]any)[0] = "gold"

	assert.Equal(t, 10.0, p.Data["x"])
	assert.Equal(t, []any{"ore"}, p.Data["cargo"])

	big := state.State{"id": "p1", "x": 900.0, "cargo": []any{"gold", "ice"}, "name": "Vex"}
	p = enc.ComputeDelta("s", "p1", big)
	require.Equal(t, delta.TypeFull, p.Type, "large change falls back to a full payload")
	big["name"] = "Zed"
	assert.Equal(t, "Vex", p.Data["name"])
}

func TestComputeDeltaInterleavesWithSweepAndDrop(t *testing.T) {
	enc, clock := newTestEncoder(t)
	const ids, perID = 8, 300

	stop := make(chan struct{})
	var sweeps sync.WaitGroup
	sweeps.Add(1)
	go func() {
		defer sweeps.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			enc.Sweep(clock.Now().Add(delta.DefaultIdleTTL + time.Second))
			if i%3 == 0 {
				enc.DropStream("s")
			}
		}
	}()

	var (
		wg    sync.WaitGroup
		fulls sync.Map
	)
	for w := 0; w < ids; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("e%d", w)
			var last uint64
			n := 0
			for i := 0; i < perID; i++ {
				p := enc.ComputeDelta("s", id, state.State{"id": id, "x": float64(i * 3)})
				switch p.Type {
				case delta.TypeFull:
					if p.Version != 0 && p.Version != last {
						t.Errorf("%s: full at version %d after %d", id, p.Version, last)
						return
					}
					last = p.Version
					n++
				case delta.TypeDelta:
					if p.FromVersion != last || p.ToVersion != p.FromVersion+1 {
						t.Errorf("%s: delta %d->%d after %d", id, p.FromVersion, p.ToVersion, last)
						return
					}
					last = p.ToVersion
				}
			}
			fulls.Store(id, n)
		}(w)
	}
	wg.Wait()
	close(stop)
	sweeps.Wait()

	fulls.Range(func(k, v any) bool {
		assert.GreaterOrEqual(t, v.(int), 1, k)
		return true
	})
	c := enc.Counters()
	assert.Equal(t, uint64(ids*perID), c.Fulls+c.Deltas)
}
