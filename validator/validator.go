// Package validator implements the pure validation functions of spec.md
// §4.1: none of them touch the network or mutate state, and none of them
// panic — a malformed input is always a false/error return, never a crash.
package validator

import (
	"fmt"

	"github.com/tolelom/multiverse/core"
)

// RoverValidator is the interface the core calls into for child-chain
// existence checks. Rovers themselves — the collaborators that harvest
// headers from external chains — are out of scope (spec.md §1); this is
// the only surface the core needs from them.
type RoverValidator interface {
	// HasChildHeader reports whether the header at (chain, height) with
	// the given hash is known to be persisted.
	HasChildHeader(chain string, height int64, hash string) bool
}

// IsValidBlock performs structural sanity checks that every composite
// block must satisfy regardless of its position in the chain.
func IsValidBlock(b *core.Block) bool {
	if b == nil {
		return false
	}
	if b.Hash == "" || b.Height < 1 {
		return false
	}
	if b.Height > 1 && b.PreviousHash == "" {
		return false
	}
	if b.Difficulty == nil || b.TotalDistance == nil || b.Distance == nil {
		return false
	}
	return true
}

// ValidateSequenceDifficulty reports whether next's difficulty is a
// legitimate continuation of prev's, i.e. non-decreasing. Acceptance
// step 4 (hotswap) uses it.
func ValidateSequenceDifficulty(prev, next *core.Block) bool {
	if prev == nil || next == nil {
		return false
	}
	if prev.Difficulty == nil || next.Difficulty == nil {
		return false
	}
	// Difficulty must never retreat from a block to its successor; a
	// strictly lower difficulty implies a weaker, rejected fork was
	// smuggled in as a hotswap.
	return next.Difficulty.Cmp(prev.Difficulty) >= 0
}

// ValidateBlockSequence checks that blocks, given newest-first (index 0 is
// the highest), link correctly: each block's PreviousHash must equal the
// hash of the block immediately after it, and heights must decrease by
// exactly one at each step.
func ValidateBlockSequence(blocks []*core.Block) error {
	for i := 0; i < len(blocks)-1; i++ {
		cur, next := blocks[i], blocks[i+1]
		if cur == nil || next == nil {
			return fmt.Errorf("nil block at sequence position %d", i)
		}
		if cur.PreviousHash != next.Hash {
			return fmt.Errorf("sequence break at height %d: previous_hash %q != parent hash %q",
				cur.Height, cur.PreviousHash, next.Hash)
		}
		if cur.Height != next.Height+1 {
			return fmt.Errorf("sequence break at height %d: expected parent height %d, got %d",
				cur.Height, cur.Height-1, next.Height)
		}
	}
	return nil
}

// ValidateRoveredSequences checks that every child header named by b
// exists in the persisted child-chain record, via rv.
func ValidateRoveredSequences(b *core.Block, rv RoverValidator) bool {
	if b == nil || rv == nil {
		return false
	}
	for chain, headers := range b.BlockchainHeaders {
		for _, h := range headers {
			if !rv.HasChildHeader(chain, h.Height, h.Hash) {
				return false
			}
		}
	}
	return true
}

// GetNewestHeader returns the child header with the greatest timestamp
// across all chains anchored in b, and whether any header exists at all.
func GetNewestHeader(b *core.Block) (core.ChildHeader, bool) {
	var newest core.ChildHeader
	found := false
	if b == nil {
		return newest, false
	}
	for _, chain := range b.ChainOrder {
		for _, h := range b.BlockchainHeaders[chain] {
			if !found || h.Timestamp > newest.Timestamp {
				newest = h
				found = true
			}
		}
	}
	return newest, found
}

// ChildrenHeightSum sums, over each child chain anchored in b, the
// highest header height referenced for that chain. This is the first
// tiebreaker after raw parent-chain height (spec.md §4.1 step 7).
func ChildrenHeightSum(b *core.Block) int64 {
	if b == nil {
		return 0
	}
	var sum int64
	for _, headers := range b.BlockchainHeaders {
		var max int64
		for _, h := range headers {
			if h.Height > max {
				max = h.Height
			}
		}
		sum += max
	}
	return sum
}
