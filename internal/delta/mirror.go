package delta

import (
	"sync"

	"github.com/rotisserie/eris"

	"spaceship-sync/internal/state"
)

// ErrVersionGap is returned when a delta does not follow the version the
// receiver holds. The receiver should ask the sender for a resync.
var ErrVersionGap = eris.New("delta does not follow local version")

type mirrored struct {
	state   state.State
	version uint64
}

// Mirror is the receiving side of a stream: it rebuilds entity state from a
// sequence of payloads.
type Mirror struct {
	mu       sync.RWMutex
	entities map[string]*mirrored
}

func NewMirror() *Mirror {
	return &Mirror{entities: make(map[string]*mirrored)}
}

// Apply folds p into the mirror and returns the entity's new state.
func (m *Mirror) Apply(p Payload) (state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entities[p.EntityID]
	if p.IsFull() {
		if p.Data == nil {
			if ok {
				return cur.state, nil
			}
			return nil, eris.Errorf("full payload for %q carries no data", p.EntityID)
		}
		next := &mirrored{state: p.Data.Clone(), version: p.Version}
		m.entities[p.EntityID] = next
		return next.state, nil
	}

	if !ok {
		return nil, eris.Wrapf(ErrVersionGap, "entity %q unknown, delta from version %d", p.EntityID, p.FromVersion)
	}
	if cur.version != p.FromVersion {
		return cur.state, eris.Wrapf(ErrVersionGap, "entity %q at version %d, delta from version %d",
			p.EntityID, cur.version, p.FromVersion)
	}
	cur.state = ApplyDelta(cur.state, p)
	cur.version = p.ToVersion
	return cur.state, nil
}

// Get returns the mirrored state of an entity.
func (m *Mirror) Get(entityID string) (state.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.entities[entityID]
	if !ok {
		return nil, false
	}
	return cur.state, true
}

// Version returns the last applied version of an entity.
func (m *Mirror) Version(entityID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cur, ok := m.entities[entityID]; ok {
		return cur.version
	}
	return 0
}

// Forget drops an entity, e.g. after the sender reported it gone.
func (m *Mirror) Forget(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, entityID)
}

// Len returns the number of mirrored entities.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}
