package multiverse

import (
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/tolelom/multiverse/core"
	"github.com/tolelom/multiverse/internal/testutil"
)

type fakeRover struct{ known map[string]bool }

func (r *fakeRover) HasChildHeader(chain string, height int64, hash string) bool {
	if r.known == nil {
		return true
	}
	return r.known[chain+"/"+hash]
}

func newTestMultiverse() *Multiverse {
	store := testutil.NewFacade()
	return New(store, &fakeRover{}, Config{})
}

func blockAt(height int64, prevHash, hash string, distance int64, ts int64) *core.Block {
	b := core.NewBlock()
	b.Height = height
	b.PreviousHash = prevHash
	b.Hash = hash
	b.Timestamp = ts
	b.TotalDistance = uint256.NewInt(uint64(distance))
	b.Distance = uint256.NewInt(1)
	b.Difficulty = uint256.NewInt(1)
	b.AddHeaders("testchain", core.ChildHeader{Blockchain: "testchain", Height: 1, Hash: "h1"})
	return b
}

// TestAddNextBlockSeedsEmptyWindow verifies the first block accepted into
// an empty Multiverse becomes its highest entry.
func TestAddNextBlockSeedsEmptyWindow(t *testing.T) {
	mv := newTestMultiverse()
	genesis := blockAt(1, "", "g", 1, 1000)
	genesis.HeadersCount = 0

	if !mv.AddNextBlock(genesis) {
		t.Fatal("genesis block should be accepted into an empty window")
	}
	got, ok := mv.GetHighest()
	if !ok || got.Hash != "g" {
		t.Fatalf("GetHighest: got %+v, ok=%v", got, ok)
	}
}

// TestAddNextBlockExtendsTip verifies a normal linear extension is
// accepted and becomes the new highest block.
func TestAddNextBlockExtendsTip(t *testing.T) {
	mv := newTestMultiverse()
	now := time.Unix(2000, 0)
	mv.now = func() time.Time { return now }

	genesis := blockAt(1, "", "g", 1, 1000)
	if !mv.AddNextBlock(genesis) {
		t.Fatal("genesis should be accepted")
	}

	next := blockAt(2, "g", "n2", 2, 1990)
	if !mv.AddNextBlock(next) {
		t.Fatal("linear extension should be accepted")
	}

	highest, ok := mv.GetHighest()
	if !ok || highest.Hash != "n2" {
		t.Fatalf("GetHighest after extension: got %+v, ok=%v", highest, ok)
	}
	parent, ok := mv.GetParentHighest()
	if !ok || parent.Hash != "g" {
		t.Fatalf("GetParentHighest after extension: got %+v, ok=%v", parent, ok)
	}
	if !mv.HasBlock("n2") || !mv.HasBlock("g") {
		t.Error("window should contain both blocks")
	}
}

// TestAddNextBlockRejectsLowerDistance verifies a competing block with a
// lower total distance than the current tip is rejected.
func TestAddNextBlockRejectsLowerDistance(t *testing.T) {
	mv := newTestMultiverse()
	now := time.Unix(2000, 0)
	mv.now = func() time.Time { return now }

	genesis := blockAt(1, "", "g", 1, 1000)
	mv.AddNextBlock(genesis)

	strong := blockAt(2, "g", "strong", 10, 1990)
	if !mv.AddNextBlock(strong) {
		t.Fatal("setup: strong block should be accepted")
	}

	weak := blockAt(2, "g", "weak", 2, 1991)
	if mv.AddNextBlock(weak) {
		t.Error("a same-height block with lower total distance must not replace the tip via add_next_block")
	}
}

// TestAddNextBlockRejectsHeightGap verifies a block arriving more than one
// height past the current tip is rejected outright.
func TestAddNextBlockRejectsHeightGap(t *testing.T) {
	mv := newTestMultiverse()
	genesis := blockAt(1, "", "g", 1, 1000)
	mv.AddNextBlock(genesis)

	farAhead := blockAt(5, "g", "far", 5, 1004)
	if mv.AddNextBlock(farAhead) {
		t.Error("a block skipping heights must be rejected")
	}
}

// TestAddBestBlockReplacesSameHeightTip verifies add_best_block swaps in a
// stronger same-height competitor when it correctly links to the parent.
func TestAddBestBlockReplacesSameHeightTip(t *testing.T) {
	mv := newTestMultiverse()
	mv.now = func() time.Time { return time.Unix(1002, 0) }
	genesis := blockAt(1, "", "g", 1, 1000)
	mv.AddNextBlock(genesis)

	weak := blockAt(2, "g", "weak", 2, 1001)
	mv.AddNextBlock(weak)

	strong := blockAt(2, "g", "strong", 9, 1002)
	if !mv.AddBestBlock(strong) {
		t.Fatal("stronger same-height competitor should replace the tip")
	}
	highest, _ := mv.GetHighest()
	if highest.Hash != "strong" {
		t.Errorf("GetHighest after add_best_block: got %q want %q", highest.Hash, "strong")
	}
}

// TestAddResyncRequestAcceptsWhenWindowEmpty verifies a node with no
// window at all always accepts a resync candidate.
func TestAddResyncRequestAcceptsWhenWindowEmpty(t *testing.T) {
	mv := newTestMultiverse()
	candidate := blockAt(10, "p", "c", 5, 1000)
	if !mv.AddResyncRequest(candidate, false) {
		t.Error("resync request against an empty window should be accepted")
	}
}

// TestAddResyncRequestRejectsIdenticalTip verifies a resync candidate
// identical to the current tip is rejected.
func TestAddResyncRequestRejectsIdenticalTip(t *testing.T) {
	mv := newTestMultiverse()
	now := time.Unix(5000, 0)
	mv.now = func() time.Time { return now }

	genesis := blockAt(1, "", "g", 1, 4999)
	mv.AddNextBlock(genesis)

	same := blockAt(1, "", "g", 1, 4999)
	if mv.AddResyncRequest(same, false) {
		t.Error("a resync candidate identical to the tip should be rejected")
	}
}

// TestValidateBlockSequenceInlineDetectsBreak verifies a range whose
// previous-hash linkage is broken fails validation.
func TestValidateBlockSequenceInlineDetectsBreak(t *testing.T) {
	mv := newTestMultiverse()
	b3 := blockAt(3, "wrong-parent", "c3", 3, 1003)
	b2 := blockAt(2, "g", "c2", 2, 1002)
	if err := mv.ValidateBlockSequenceInline([]*core.Block{b3, b2}); err == nil {
		t.Error("a broken previous-hash link should fail validation")
	}
}

// TestValidateBlockSequenceInlineRequiresPersistedBoundary verifies a
// sequence linking to a height with no persisted block fails.
func TestValidateBlockSequenceInlineRequiresPersistedBoundary(t *testing.T) {
	mv := newTestMultiverse()
	b3 := blockAt(3, "c2", "c3", 3, 1003)
	b2 := blockAt(2, "g", "c2", 2, 1002)
	if err := mv.ValidateBlockSequenceInline([]*core.Block{b3, b2}); err == nil {
		t.Error("a sequence with no persisted boundary block should fail validation")
	}
}
