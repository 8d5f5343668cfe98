// Package blockpool implements the Block Pool (spec.md C7): it buffers
// candidate blocks that arrive out of order during a historical resync
// and releases them once a contiguous run can be applied.
//
// The mutex-guarded map plus insertion-ordered height slice mirrors the
// teacher's Mempool (core/mempool.go): a map for O(1) lookup/removal and
// a parallel slice to keep iteration deterministic, generalized here to
// index by block height instead of transaction ID, and backed by the
// "pending.bc.block.{height}" key so a restart mid-resync does not lose
// buffered candidates (spec.md §6).
package blockpool

import (
	"sync"

	"github.com/tolelom/multiverse/core"
	"github.com/tolelom/multiverse/persistence"
)

// Pool buffers pending candidate blocks by height.
type Pool struct {
	mu     sync.Mutex
	blocks map[int64]*core.Block
	ord    []int64 // insertion-ordered heights, for deterministic Size/iteration
	store  *persistence.Facade
}

// New creates an empty Pool backed by store.
func New(store *persistence.Facade) *Pool {
	return &Pool{blocks: make(map[int64]*core.Block), store: store}
}

// Add buffers b as the pending candidate at its height, persisting it so
// a restart mid-resync does not lose in-flight sync state. A second Add
// at the same height overwrites the first.
func (p *Pool) Add(b *core.Block) error {
	if b == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.PutPendingBlockAtHeight(b.Height, b); err != nil {
		return err
	}
	if _, exists := p.blocks[b.Height]; !exists {
		p.ord = append(p.ord, b.Height)
	}
	p.blocks[b.Height] = b
	return nil
}

// Get returns the buffered candidate at height, if any.
func (p *Pool) Get(height int64) (*core.Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[height]
	return b, ok
}

// Size returns the number of buffered candidates.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks)
}

// ReleaseSequential pops buffered blocks in a contiguous run starting at
// next (inclusive), stopping at the first missing height. Each released
// block is removed from the pool and its persisted pending record
// cleared, so it is returned to the caller exactly once.
func (p *Pool) ReleaseSequential(next int64) ([]*core.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var released []*core.Block
	for {
		b, ok := p.blocks[next]
		if !ok {
			break
		}
		if err := p.store.DeletePendingBlockAtHeight(next); err != nil {
			return released, err
		}
		delete(p.blocks, next)
		p.removeOrdLocked(next)
		released = append(released, b)
		next++
	}
	return released, nil
}

// Discard drops the buffered candidate at height without releasing it
// (used when a resync is abandoned and its in-flight candidates are
// stale).
func (p *Pool) Discard(height int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.blocks[height]; !ok {
		return nil
	}
	delete(p.blocks, height)
	p.removeOrdLocked(height)
	return p.store.DeletePendingBlockAtHeight(height)
}

func (p *Pool) removeOrdLocked(height int64) {
	for i, h := range p.ord {
		if h == height {
			p.ord = append(p.ord[:i], p.ord[i+1:]...)
			return
		}
	}
}
