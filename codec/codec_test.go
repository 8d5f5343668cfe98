package codec

import (
	"testing"

	"github.com/holiman/uint256"

	"github.com/tolelom/multiverse/core"
)

func sampleBlock() *core.Block {
	b := core.NewBlock()
	b.Height = 7
	b.PreviousHash = "prevhash"
	b.Timestamp = 12345
	b.Difficulty = uint256.NewInt(500)
	b.TotalDistance = uint256.NewInt(9001)
	b.Distance = uint256.NewInt(3)
	b.MinerKey = "miner-a"
	b.AddHeaders("chainA", core.ChildHeader{Blockchain: "chainA", Height: 1, Hash: "h1", MerkleRoot: "m1", Timestamp: 10})
	b.AddHeaders("chainB", core.ChildHeader{Blockchain: "chainB", Height: 2, Hash: "h2", MerkleRoot: "m2", Timestamp: 20})
	b.Hash = ComputeHash(b)
	return b
}

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	b := sampleBlock()
	enc := EncodeBlock(b)

	got, n, err := DecodeBlock(enc)
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if n != len(enc) {
		t.Errorf("expected to consume all %d bytes, consumed %d", len(enc), n)
	}
	if got.Hash != b.Hash || got.Height != b.Height || got.PreviousHash != b.PreviousHash {
		t.Errorf("round trip mismatch: got %+v want %+v", got, b)
	}
	if got.Difficulty.Cmp(b.Difficulty) != 0 {
		t.Errorf("difficulty mismatch: got %s want %s", got.Difficulty, b.Difficulty)
	}
	if len(got.ChainOrder) != 2 || got.ChainOrder[0] != "chainA" || got.ChainOrder[1] != "chainB" {
		t.Errorf("expected chain order preserved, got %v", got.ChainOrder)
	}
	if got.BlockchainHeaders["chainA"][0].Hash != "h1" {
		t.Errorf("expected header round trip, got %+v", got.BlockchainHeaders["chainA"])
	}
}

func TestComputeHashIsStableAndContentSensitive(t *testing.T) {
	b := sampleBlock()
	h1 := ComputeHash(b)
	h2 := ComputeHash(b)
	if h1 != h2 {
		t.Fatal("expected ComputeHash to be deterministic")
	}
	b.Timestamp++
	if ComputeHash(b) == h1 {
		t.Fatal("expected ComputeHash to change when block contents change")
	}
}

func TestDecodeBlockListRoundTrip(t *testing.T) {
	b1, b2 := sampleBlock(), sampleBlock()
	b2.Height = 8
	b2.PreviousHash = b1.Hash
	b2.Hash = ComputeHash(b2)

	payload := append(EncodeBlock(b1), EncodeBlock(b2)...)
	blocks, err := DecodeBlockList(payload)
	if err != nil {
		t.Fatalf("DecodeBlockList: %v", err)
	}
	if len(blocks) != 2 || blocks[0].Height != 7 || blocks[1].Height != 8 {
		t.Fatalf("unexpected decoded list: %+v", blocks)
	}
}

func TestDecodeBlockTruncatedIsError(t *testing.T) {
	enc := EncodeBlock(sampleBlock())
	if _, _, err := DecodeBlock(enc[:len(enc)-5]); err == nil {
		t.Fatal("expected a truncated record to error")
	}
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	h := core.ChildHeader{Blockchain: "chainC", Height: 4, Hash: "hh", MerkleRoot: "mm", Timestamp: 99}
	got, err := DecodeHeader(EncodeHeader(h))
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("header round trip mismatch: got %+v want %+v", got, h)
	}
}
