// Package peerbook implements the Peer Manager & Book (spec.md C5): peer
// bookkeeping, quorum tracking, and dial policy. The partitioned-set shape
// — discovered/connected/banned membership tracked as mapset.Set rather
// than as ad hoc maps — follows the knownTxs/knownBlocks sets on the
// teacher's own peer type's corpus sibling (Venachain's eth.peer and
// go-quai's worker ancestor/family sets); unlike those per-connection
// dedup sets, the sets here are the book's primary index.
package peerbook

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/tolelom/multiverse/persistence"
)

// Peer is one remote node's bookkeeping record (spec.md §3).
type Peer struct {
	ID          string
	Multiaddr   string
	ConnectedAt time.Time
	Meta        map[string]string
}

// Book partitions known peers into discovered, connected, and banned
// sets, and tracks the quorum size required before discovery pauses.
type Book struct {
	mu sync.Mutex

	discovered mapset.Set // id -> struct{} membership only
	connected  mapset.Set // id -> *Peer, boxed
	banned     mapset.Set // id -> struct{} membership only

	store        *persistence.Facade
	lowHealthNet bool
	quorumSize   int
}

// New creates an empty Book. quorumSize is the configured target
// (typically 3 on mainnet, 1 on testnet); lowHealthNet forces a quorum of
// 1 regardless (spec.md §4.2).
func New(store *persistence.Facade, quorumSize int, lowHealthNet bool) *Book {
	return &Book{
		discovered:   mapset.NewSet(),
		connected:    mapset.NewSet(),
		banned:       mapset.NewSet(),
		store:        store,
		lowHealthNet: lowHealthNet,
		quorumSize:   quorumSize,
	}
}

// QuorumTarget returns the peer count the book pauses discovery at.
func (b *Book) QuorumTarget() int {
	if b.lowHealthNet {
		return 1
	}
	return b.quorumSize
}

// Discover records id as seen but not yet connected, unless banned.
func (b *Book) Discover(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.banned.Contains(id) {
		return
	}
	b.discovered.Add(id)
}

// Ban removes id from every set and marks it unwelcome.
func (b *Book) Ban(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discovered.Remove(id)
	b.removeConnectedLocked(id)
	b.banned.Add(id)
}

// IsBanned reports whether id is banned.
func (b *Book) IsBanned(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.banned.Contains(id)
}

// Connect promotes id to connected, persisting the quorum record on the
// first-ever connection (spec.md §4.2's "first peer sets quorum to 1").
// It returns the established Peer record and whether this connection
// pushed the book to quorum.
func (b *Book) Connect(p Peer) (*Peer, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.banned.Contains(p.ID) {
		return nil, false, fmt.Errorf("peer %s is banned", p.ID)
	}
	b.discovered.Remove(p.ID)
	rec := p
	b.connected.Add(&rec)

	if _, err := b.store.GetQuorum(); err != nil {
		// First connection this node has ever made: seed the quorum
		// record. Under low-health-net, any single peer is quorum.
		if err := b.store.PutQuorum(1); err != nil {
			return &rec, false, fmt.Errorf("seed quorum: %w", err)
		}
	}
	return &rec, b.connectedCountLocked() >= b.QuorumTarget(), nil
}

// Disconnect removes id from the connected set and reports whether the
// book has fallen below quorum as a result (a signal to resume
// discovery).
func (b *Book) Disconnect(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeConnectedLocked(id)
	return b.connectedCountLocked() < b.QuorumTarget()
}

func (b *Book) removeConnectedLocked(id string) {
	for _, v := range b.connected.ToSlice() {
		if p, ok := v.(*Peer); ok && p.ID == id {
			b.connected.Remove(v)
			return
		}
	}
}

// Connected returns a snapshot of currently connected peers.
func (b *Book) Connected() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Peer, 0, b.connected.Cardinality())
	for _, v := range b.connected.ToSlice() {
		if p, ok := v.(*Peer); ok {
			out = append(out, *p)
		}
	}
	return out
}

// HasQuorum reports whether the connected-peer count has reached the
// book's quorum target.
func (b *Book) HasQuorum() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedCountLocked() >= b.QuorumTarget()
}

func (b *Book) connectedCountLocked() int {
	return b.connected.Cardinality()
}

// DiscoveryCount returns how many peers are known but not yet connected.
func (b *Book) DiscoveryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discovered.Cardinality()
}

// ShouldStopDiscovery reports whether the book has reached quorum and
// discovery should pause (spec.md §4.2's "On peer:discovery, stop
// discovery once quorum size is reached").
func (b *Book) ShouldStopDiscovery() bool {
	return b.HasQuorum()
}
