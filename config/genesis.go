package config

import (
	"strings"

	"github.com/holiman/uint256"

	"github.com/tolelom/multiverse/core"
	"github.com/tolelom/multiverse/crypto"
)

// GenesisHash is the canonical all-zeros previous hash for the genesis block.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CreateGenesisBlock builds the composite genesis block: height 1, zero
// distance, no child headers. It carries the chain ID as a tamper-evident
// marker (the hash of the chain ID string) so peers can reject a genesis
// block with a mismatched identity before ever comparing heights.
func CreateGenesisBlock(cfg *Config, minerKey string) *core.Block {
	b := core.NewBlock()
	b.Height = 1
	b.PreviousHash = GenesisHash
	b.Timestamp = cfg.Genesis.Timestamp
	b.MinerKey = minerKey
	b.Difficulty = new(uint256.Int)
	b.TotalDistance = new(uint256.Int)
	b.Distance = new(uint256.Int)
	b.Hash = crypto.Hash([]byte(cfg.Genesis.ChainID))
	return b
}

// IsGenesisHash returns true if h is the canonical genesis prev-hash.
func IsGenesisHash(h string) bool {
	return len(h) == 64 && strings.Count(h, "0") == len(h)
}
