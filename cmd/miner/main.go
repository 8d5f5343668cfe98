// Command miner is the child process the Worker Pool forks (spec.md
// C8). It speaks the typed, length-prefixed gob protocol over stdin/
// stdout: replying to heartbeats, searching for a block whose hash is
// numerically below the assigned difficulty target once a work
// assignment arrives, and reporting the solution back to the pool.
//
// The proof-of-work puzzle itself is explicitly out of scope (spec.md
// §1's non-goals): this is the simplest puzzle that exercises the
// contract — treat the candidate's content hash as a big-endian integer
// and require it below the assigned target — not a claim about what any
// real network's puzzle should be.
package main

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/holiman/uint256"

	"github.com/tolelom/multiverse/codec"
	"github.com/tolelom/multiverse/core"
	"github.com/tolelom/multiverse/worker"
)

func main() {
	pid := os.Getpid()
	abort := make(chan struct{})
	var aborting bool

	for {
		msg, err := worker.ReadMessage(os.Stdin)
		if err != nil {
			return
		}
		switch msg.Kind {
		case worker.KindHeartbeat:
			reply(msg.ID)
		case worker.KindAbort:
			if !aborting {
				aborting = true
				close(abort)
			}
		case worker.KindWork:
			if aborting {
				abort = make(chan struct{})
				aborting = false
			}
			mine(pid, msg, abort)
		}
	}
}

func reply(id string) {
	worker.WriteMessage(os.Stdout, worker.Message{ID: id, Kind: worker.KindHeartbeat})
}

func mine(pid int, msg worker.Message, abort <-chan struct{}) {
	start := time.Now()
	target := msg.Difficulty
	if target == nil || target.IsZero() {
		target = new(uint256.Int).SetAllOne()
	}

	prevHash := ""
	nextHeight := int64(1)
	if msg.PreviousBlock != nil {
		prevHash = msg.PreviousBlock.Hash
		nextHeight = msg.PreviousBlock.Height + 1
	}

	var iterations int64
	var distance uint64
	for {
		select {
		case <-abort:
			return
		default:
		}

		candidate := core.NewBlock()
		candidate.PreviousHash = prevHash
		candidate.Height = nextHeight
		candidate.Timestamp = time.Now().Unix()
		candidate.MinerKey = msg.MinerKey
		candidate.Distance = uint256.NewInt(distance)
		if msg.PreviousBlock != nil {
			candidate.TotalDistance = new(uint256.Int).Add(msg.PreviousBlock.TotalDistance, candidate.Distance)
			candidate.Difficulty = target
		} else {
			candidate.TotalDistance = new(uint256.Int).Set(candidate.Distance)
			candidate.Difficulty = target
		}
		for chain, headers := range msg.Headers {
			candidate.AddHeaders(chain, headers...)
		}

		iterations++
		distance++

		digest := sha256.Sum256([]byte(codec.ComputeHash(candidate)))
		if new(big.Int).SetBytes(digest[:]).Cmp(target.ToBig()) >= 0 {
			continue
		}
		candidate.Hash = fmt.Sprintf("%x", digest)

		worker.WriteMessage(os.Stdout, worker.Message{
			ID:         fmt.Sprintf("%d@solution", pid),
			Kind:       worker.KindSolution,
			Solution:   candidate,
			Iterations: iterations,
			TimeDiffNs: time.Since(start).Nanoseconds(),
		})
		return
	}
}
