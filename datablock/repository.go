// Package datablock stores per-event payloads that are too large to inline
// in the fixed-shape output event record: sysex dumps, long text. Events
// carry a BlockID; the bytes live here. The id space is sparse and randomly
// drawn, so ids survive being serialized next to documents without clashing
// when two documents are merged.
package datablock

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"ostinato"
)

// Backing is the durable key→bytes store behind a Repository. A missing id
// is not an error: Get returns (nil, nil). Put must be all-or-nothing; a
// failed write must never leave a readable-but-corrupt entry.
type Backing interface {
	Has(id ostinato.BlockID) (bool, error)
	Get(id ostinato.BlockID) ([]byte, error)
	Put(id ostinato.BlockID, data []byte) error
	Delete(id ostinato.BlockID) error
	Close() error
}

const cacheSize = 256

// Repository hands out ids and moves bytes in and out of the backing store,
// with a small LRU in front since mapped events re-read their payload on
// every rebuild. Construct one per process and inject it; there is no
// package-level instance.
type Repository struct {
	mu      sync.Mutex
	backing Backing
	cache   *lru.Cache[ostinato.BlockID, []byte]
	rnd     *rand.Rand
}

func NewRepository(backing Backing) *Repository {
	cache, _ := lru.New[ostinato.BlockID, []byte](cacheSize) // only errors on size <= 0
	return &Repository{
		backing: backing,
		cache:   cache,
		rnd:     rand.New(rand.NewSource(rand.Int63())),
	}
}

// Register stores data under a fresh id and returns it. Id collisions are
// resolved internally by redrawing; the caller never sees them.
func (r *Repository) Register(data []byte) (ostinato.BlockID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var id ostinato.BlockID
	for {
		id = ostinato.BlockID(r.rnd.Uint32())
		if id == 0 {
			continue
		}
		ok, err := r.backing.Has(id)
		if err != nil {
			return 0, fmt.Errorf("datablock register: %w", err)
		}
		if !ok {
			break
		}
	}
	if err := r.backing.Put(id, clone(data)); err != nil {
		return 0, fmt.Errorf("datablock register: %w", err)
	}
	r.cache.Add(id, clone(data))
	return id, nil
}

// Get returns the payload for id, or an empty slice if the id is zero or
// unknown. Only backing I/O failures are errors.
func (r *Repository) Get(id ostinato.BlockID) ([]byte, error) {
	if id == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.cache.Get(id); ok {
		return clone(data), nil
	}
	data, err := r.backing.Get(id)
	if err != nil {
		return nil, fmt.Errorf("datablock get: %w", err)
	}
	if data != nil {
		r.cache.Add(id, clone(data))
	}
	return data, nil
}

var errUnknownBlock = errors.New("unknown datablock id")

// Append extends an existing block. Appending to an unknown id is an error,
// unlike Get: the caller claimed the block exists.
func (r *Repository) Append(id ostinato.BlockID, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, err := r.backing.Get(id)
	if err != nil {
		return fmt.Errorf("datablock append: %w", err)
	}
	if old == nil {
		return fmt.Errorf("datablock append: %w", errUnknownBlock)
	}
	grown := append(clone(old), data...)
	if err := r.backing.Put(id, grown); err != nil {
		return fmt.Errorf("datablock append: %w", err)
	}
	r.cache.Remove(id)
	return nil
}

// Replace overwrites the payload of an existing block.
func (r *Repository) Replace(id ostinato.BlockID, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := r.backing.Has(id)
	if err != nil {
		return fmt.Errorf("datablock replace: %w", err)
	}
	if !ok {
		return fmt.Errorf("datablock replace: %w", errUnknownBlock)
	}
	if err := r.backing.Put(id, clone(data)); err != nil {
		return fmt.Errorf("datablock replace: %w", err)
	}
	r.cache.Remove(id)
	return nil
}

// Unregister releases the block. Blocks that are never released are a leak,
// not a crash; unregistering an unknown id is a no-op.
func (r *Repository) Unregister(id ostinato.BlockID) error {
	if id == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(id)
	if err := r.backing.Delete(id); err != nil {
		return fmt.Errorf("datablock unregister: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.backing.Close()
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// MemoryBacking keeps blocks in a map; the default when no durable store is
// configured.
type MemoryBacking struct {
	mu     sync.RWMutex
	blocks map[ostinato.BlockID][]byte
}

func NewMemoryBacking() *MemoryBacking {
	return &MemoryBacking{blocks: make(map[ostinato.BlockID][]byte)}
}

func (m *MemoryBacking) Has(id ostinato.BlockID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[id]
	return ok, nil
}

func (m *MemoryBacking) Get(id ostinato.BlockID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[id]
	if !ok {
		return nil, nil
	}
	return clone(data), nil
}

func (m *MemoryBacking) Put(id ostinato.BlockID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[id] = clone(data)
	return nil
}

func (m *MemoryBacking) Delete(id ostinato.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, id)
	return nil
}

func (m *MemoryBacking) Close() error {
	return nil
}
