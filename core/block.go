// Package core defines the composite block: the only on-chain unit shared
// by the Multiverse, the P2P protocol engine, and the Worker Pool.
package core

import "github.com/holiman/uint256"

// ChildHeader is a header harvested from an external child blockchain and
// anchored into a composite block. Its contents are opaque to the core
// beyond these five fields.
type ChildHeader struct {
	Blockchain string `json:"blockchain"`
	Height     int64  `json:"height"`
	Hash       string `json:"hash"`
	MerkleRoot string `json:"merkle_root"`
	Timestamp  int64  `json:"timestamp"`
}

// Block is a composite block: a parent-chain block that anchors headers
// from several external child blockchains. Height 1 is genesis.
type Block struct {
	Hash          string
	PreviousHash  string
	Height        int64
	Timestamp     int64
	Difficulty    *uint256.Int
	TotalDistance *uint256.Int
	Distance      *uint256.Int
	MinerKey      string

	// ChainOrder preserves insertion order of BlockchainHeaders' keys; Go
	// maps are unordered but spec.md requires an ordered mapping.
	ChainOrder        []string
	BlockchainHeaders map[string][]ChildHeader
	HeadersCount      int
}

// NewBlock returns an empty, unsigned composite block with zeroed big
// numbers and an initialized header map, ready to be filled in.
func NewBlock() *Block {
	return &Block{
		Difficulty:        new(uint256.Int),
		TotalDistance:     new(uint256.Int),
		Distance:          new(uint256.Int),
		BlockchainHeaders: make(map[string][]ChildHeader),
	}
}

// AddHeaders appends headers for chain, recording chain in ChainOrder the
// first time it is seen, and keeps HeadersCount in sync.
func (b *Block) AddHeaders(chain string, headers ...ChildHeader) {
	if _, ok := b.BlockchainHeaders[chain]; !ok {
		b.ChainOrder = append(b.ChainOrder, chain)
	}
	b.BlockchainHeaders[chain] = append(b.BlockchainHeaders[chain], headers...)
	b.HeadersCount += len(headers)
}

// Clone returns a deep copy of b, so mutating the result never corrupts a
// block still referenced by the Multiverse window.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := &Block{
		Hash:         b.Hash,
		PreviousHash: b.PreviousHash,
		Height:       b.Height,
		Timestamp:    b.Timestamp,
		MinerKey:     b.MinerKey,
		HeadersCount: b.HeadersCount,
	}
	c.Difficulty = cloneUint(b.Difficulty)
	c.TotalDistance = cloneUint(b.TotalDistance)
	c.Distance = cloneUint(b.Distance)
	c.ChainOrder = append([]string(nil), b.ChainOrder...)
	c.BlockchainHeaders = make(map[string][]ChildHeader, len(b.BlockchainHeaders))
	for chain, hdrs := range b.BlockchainHeaders {
		c.BlockchainHeaders[chain] = append([]ChildHeader(nil), hdrs...)
	}
	return c
}

func cloneUint(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
