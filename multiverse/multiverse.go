// Package multiverse implements the Multiverse (spec.md C4): the in-memory
// best-chain window and the accept/reject/resync decisions that govern it.
//
// The type shape — a mutex-guarded struct wrapping a persistence handle,
// with the tip tracked both in memory and durably — follows the teacher's
// core.Blockchain (mu sync.RWMutex, tip pointer, height field); the window
// here additionally bounds itself at WindowSize and adds the resync state
// machine spec.md §4.1 describes, which core.Blockchain never needed.
package multiverse

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tolelom/multiverse/core"
	"github.com/tolelom/multiverse/persistence"
	"github.com/tolelom/multiverse/validator"
)

// WindowSize is W in spec.md §3: the chain window never holds more than
// this many blocks.
const WindowSize = 7

const (
	maxHeightLead          = 6  // step 9: b.height > H.height + 6 -> reject
	minTimestampGapSeconds = 3  // step 12a
	maxFutureSkewSeconds   = 27 // step 12b
	synclockFreshnessSeconds = 18
	resyncFutureDriftSeconds = 15
	staleTipSeconds          = 32
	tallHeightThreshold      = 100_000
)

// Config tunes the one Open Question spec.md §9 leaves as
// implementation-defined: whether step 14's validateBlockSequence call
// actually gates acceptance, or is a no-op check left in place pending the
// wire source's own ambiguity ("always fails here"). Default: off, so a
// block that already satisfies the previous-hash link (step 13) extends
// the tip directly.
type Config struct {
	StrictSequenceCheck bool
}

// Multiverse is the in-memory best-chain window plus the persistence
// handle backing its durable tip.
type Multiverse struct {
	mu     sync.Mutex
	window []*core.Block // index 0 = highest
	store  *persistence.Facade
	rover  validator.RoverValidator
	cfg    Config
	now    func() time.Time
}

// New creates an empty Multiverse backed by store. rover is consulted for
// rovered-header existence checks (spec.md §4.1's validate_rovered_blocks);
// it may be nil if the caller never needs that check.
func New(store *persistence.Facade, rover validator.RoverValidator, cfg Config) *Multiverse {
	return &Multiverse{
		store: store,
		rover: rover,
		cfg:   cfg,
		now:   time.Now,
	}
}

// GetHighest returns the window's head, or (nil, false) if empty.
func (m *Multiverse) GetHighest() (*core.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.window) == 0 {
		return nil, false
	}
	return m.window[0], true
}

// GetParentHighest returns the block at window index 1.
func (m *Multiverse) GetParentHighest() (*core.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.window) < 2 {
		return nil, false
	}
	return m.window[1], true
}

// GetLowest returns the window's tail, or (nil, false) if empty.
func (m *Multiverse) GetLowest() (*core.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.window) == 0 {
		return nil, false
	}
	return m.window[len(m.window)-1], true
}

// HasBlock reports whether hash is present anywhere in the window.
func (m *Multiverse) HasBlock(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.window {
		if b.Hash == hash {
			return true
		}
	}
	return false
}

// Window returns a shallow copy of the current window, highest first.
func (m *Multiverse) Window() []*core.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*core.Block(nil), m.window...)
}

// AddBestBlock attempts a same-height replacement of the window head.
func (m *Multiverse) AddBestBlock(b *core.Block) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addBestBlockLocked(b)
}

func (m *Multiverse) addBestBlockLocked(b *core.Block) bool {
	if b == nil {
		return false
	}
	if len(m.window) == 0 {
		if err := m.commitExtend(nil, b); err != nil {
			log.Printf("[multiverse] add_best_block seed commit failed: %v", err)
			return false
		}
		m.window = []*core.Block{b}
		return true
	}
	highest := m.window[0]
	if len(m.window) > 1 {
		parent := m.window[1]
		if parent.Hash == b.PreviousHash && b.TotalDistance.Cmp(highest.TotalDistance) > 0 {
			if err := m.commitSwap(b); err != nil {
				log.Printf("[multiverse] add_best_block swap commit failed: %v", err)
				return false
			}
			m.window[0] = b
			return true
		}
	}
	return false
}

// AddNextBlock is the main acceptance rule of spec.md §4.1: at most one
// invocation is ever in flight (the mutex enforces this), and it never
// panics — every rejection is a plain false return.
func (m *Multiverse) AddNextBlock(b *core.Block) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addNextBlockLocked(b)
}

func (m *Multiverse) addNextBlockLocked(b *core.Block) bool {
	// step 1
	if b == nil {
		return false
	}
	// step 2
	if len(m.window) == 0 {
		if err := m.commitExtend(nil, b); err != nil {
			log.Printf("[multiverse] add_next_block seed commit failed: %v", err)
			return false
		}
		m.window = []*core.Block{b}
		return true
	}

	H, hErr := m.store.GetLatestBlock()
	// step 3
	if hErr != nil {
		if err := m.commitExtend(nil, b); err != nil {
			log.Printf("[multiverse] add_next_block commit (no tip) failed: %v", err)
			return false
		}
		m.pushFront(b)
		return true
	}

	// step 4: hotswap
	if P, pErr := m.store.GetParentBlock(); pErr == nil && P != nil {
		if P.Hash != H.PreviousHash &&
			H.Height == b.Height &&
			validator.ValidateSequenceDifficulty(P, b) &&
			b.TotalDistance.Cmp(H.TotalDistance) > 0 &&
			b.Timestamp >= H.Timestamp {
			if err := m.commitSwap(b); err != nil {
				log.Printf("[multiverse] hotswap commit failed: %v", err)
				return false
			}
			if len(m.window) == 0 {
				m.window = []*core.Block{b}
			} else {
				m.window[0] = b
			}
			return true
		}
	}

	// step 5
	if b.Height == 1 {
		return false
	}
	// step 6
	if b.Height-1 != H.Height {
		return false
	}
	// step 7/8
	bSum := validator.ChildrenHeightSum(b)
	hSum := validator.ChildrenHeightSum(H)
	if bSum < hSum {
		return false
	}
	if bSum == hSum {
		bNewest, bOK := validator.GetNewestHeader(b)
		hNewest, hOK := validator.GetNewestHeader(H)
		if bOK && hOK && bNewest.Timestamp < hNewest.Timestamp {
			return false
		}
	}
	// step 9
	if b.Height > H.Height+maxHeightLead {
		return false
	}
	// step 10
	if b.Hash == H.Hash || b.TotalDistance.Cmp(H.TotalDistance) < 0 || b.Height < H.Height {
		return false
	}
	// step 11
	if b.HeadersCount == 0 {
		return false
	}
	// step 12
	if b.Timestamp+minTimestampGapSeconds <= H.Timestamp {
		return false
	}
	if b.Timestamp+maxFutureSkewSeconds < m.now().Unix() {
		return false
	}
	// step 13
	if b.PreviousHash != H.Hash {
		return m.addBestBlockLocked(b)
	}
	// step 14
	if b.Height > 2 && m.cfg.StrictSequenceCheck {
		if err := validator.ValidateBlockSequence([]*core.Block{b, H}); err != nil {
			return m.addBestBlockLocked(b)
		}
	}
	// step 15
	if err := m.commitExtend(H, b); err != nil {
		log.Printf("[multiverse] add_next_block commit failed: %v", err)
		return false
	}
	m.pushFront(b)
	return true
}

// AddResyncRequest decides whether the caller should pause mining and
// fetch a range from peers, per spec.md §4.1's resync rules.
func (m *Multiverse) AddResyncRequest(b *core.Block, strict bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b == nil {
		return false
	}
	now := m.now().Unix()

	if record, err := m.store.GetSynclock(); err == nil && record != nil {
		if now-record.Timestamp > synclockFreshnessSeconds {
			genesis := core.NewBlock()
			genesis.Height = 1
			genesis.Timestamp = now
			if err := m.store.PutSynclock(genesis); err != nil {
				log.Printf("[multiverse] synclock reset failed: %v", err)
			}
		} else if record.Height != 1 {
			return false
		}
	}

	H, hErr := m.store.GetLatestBlock()
	haveH := hErr == nil

	if haveH && !validator.IsValidBlock(H) && validator.IsValidBlock(b) {
		return true
	}
	if len(m.window) == 0 || !haveH || (haveH && H.Height == 1 && b.Height > 1) {
		return true
	}
	if b.Hash == H.Hash {
		return false
	}
	if b.Height > tallHeightThreshold {
		drift := b.Timestamp - now
		if drift < 0 {
			drift = -drift
		}
		if drift > resyncFutureDriftSeconds {
			return false
		}
	}
	if H.Timestamp+staleTipSeconds < now && b.TotalDistance.Cmp(H.TotalDistance) > 0 {
		return true
	}
	if !strict && len(m.window) < 2 &&
		b.TotalDistance.Cmp(H.TotalDistance) > 0 &&
		validator.ChildrenHeightSum(b) > validator.ChildrenHeightSum(H) &&
		validator.ValidateRoveredSequences(b, m.rover) {
		return true
	}
	if b.TotalDistance.Cmp(H.TotalDistance) < 0 {
		return false
	}
	if validator.ChildrenHeightSum(b) <= validator.ChildrenHeightSum(H) {
		return validator.ValidateRoveredSequences(b, m.rover) && !validator.ValidateRoveredSequences(H, m.rover)
	}
	return false
}

// ValidateBlockSequenceInline verifies that blocks (newest-first) link
// together and that the oldest of them links back to an already-persisted
// boundary block.
func (m *Multiverse) ValidateBlockSequenceInline(blocks []*core.Block) error {
	if len(blocks) == 0 {
		return fmt.Errorf("empty block sequence")
	}
	if err := validator.ValidateBlockSequence(blocks); err != nil {
		return err
	}
	last := blocks[len(blocks)-1]
	if last.Height <= 1 {
		return nil
	}
	boundary, err := m.store.GetBlockAtHeight(last.Height - 1)
	if err != nil {
		return fmt.Errorf("boundary block at height %d not persisted: %w", last.Height-1, err)
	}
	if boundary.Hash != last.PreviousHash {
		return fmt.Errorf("range does not link back to persisted boundary at height %d", last.Height-1)
	}
	return nil
}

// ValidateRoveredBlocks checks that every child header named by b exists
// in the persisted child-chain record.
func (m *Multiverse) ValidateRoveredBlocks(b *core.Block) bool {
	return validator.ValidateRoveredSequences(b, m.rover)
}

func (m *Multiverse) pushFront(b *core.Block) {
	m.window = append([]*core.Block{b}, m.window...)
	if len(m.window) > WindowSize {
		m.window = m.window[:WindowSize]
	}
}

func (m *Multiverse) commitExtend(oldTip, newTip *core.Block) error {
	if oldTip != nil {
		if err := m.store.PutParentBlock(oldTip); err != nil {
			return err
		}
	}
	if err := m.store.PutBlockAtHeight(newTip.Height, newTip); err != nil {
		return err
	}
	return m.store.PutLatestBlock(newTip)
}

func (m *Multiverse) commitSwap(newTip *core.Block) error {
	if err := m.store.PutBlockAtHeight(newTip.Height, newTip); err != nil {
		return err
	}
	return m.store.PutLatestBlock(newTip)
}
