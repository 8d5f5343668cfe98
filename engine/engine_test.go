package engine

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/tolelom/multiverse/blockpool"
	"github.com/tolelom/multiverse/core"
	"github.com/tolelom/multiverse/events"
	"github.com/tolelom/multiverse/internal/testutil"
	"github.com/tolelom/multiverse/multiverse"
	"github.com/tolelom/multiverse/network"
	"github.com/tolelom/multiverse/peerbook"
)

func testBlock(height int64, hash, prevHash string) *core.Block {
	b := core.NewBlock()
	b.Height = height
	b.Hash = hash
	b.PreviousHash = prevHash
	b.Timestamp = time.Now().Unix() + height
	b.TotalDistance.SetUint64(uint64(100 + height))
	b.AddHeaders("childchain", core.ChildHeader{Blockchain: "childchain", Height: height, Hash: "ch"})
	return b
}

func newTestEngine() *Engine {
	store := testutil.NewFacade()
	mv := multiverse.New(store, nil, multiverse.Config{})
	book := peerbook.New(store, 3, true)
	pool := blockpool.New(store)
	emitter := events.NewEmitter()
	return New(Config{MinerKey: "miner-a"}, store, mv, book, pool, nil, emitter)
}

func pipeConn(id string) (*network.Conn, net.Conn) {
	a, b := net.Pipe()
	return network.NewConn(id, id, a), b
}

func readSome(t *testing.T, c net.Conn, timeout time.Duration) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

// TestHandlePutBlockAcceptsAndBroadcasts verifies an accepted inbound
// block is announced to every other registered connection but not back
// to its source.
func TestHandlePutBlockAcceptsAndBroadcasts(t *testing.T) {
	e := newTestEngine()

	source, sourceRemote := pipeConn("source")
	other, otherRemote := pipeConn("other")
	defer sourceRemote.Close()
	defer otherRemote.Close()
	e.RegisterConnection(source)
	e.RegisterConnection(other)

	b := testBlock(1, "h1", "")
	done := make(chan []byte, 1)
	go func() { done <- readSome(t, otherRemote, time.Second) }()

	e.handlePutBlock(events.Event{Data: b, ConnectionID: "source"})

	got := <-done
	if !bytes.HasPrefix(got, []byte("0008W01")) {
		t.Fatalf("expected an announce frame to the other peer, got %q", got)
	}

	tip, ok := e.mv.GetHighest()
	if !ok || tip.Hash != "h1" {
		t.Fatalf("expected multiverse to accept the seed block, got %+v", tip)
	}
}

// TestHandlePutBlockBatchReleasesSequentially verifies a buffered batch
// is validated, buffered, and replayed into the multiverse in height
// order once the engine's tip lines up.
func TestHandlePutBlockBatchReleasesSequentially(t *testing.T) {
	e := newTestEngine()
	seed := testBlock(1, "h1", "")
	if !e.mv.AddNextBlock(seed) {
		t.Fatal("seeding multiverse failed")
	}

	b2 := testBlock(2, "h2", "h1")
	b3 := testBlock(3, "h3", "h2")
	// Delivered newest-first, as the protocol layer sorts block-list
	// replies.
	e.handlePutBlockBatch(events.Event{Data: []*core.Block{b3, b2}}, false)

	tip, ok := e.mv.GetHighest()
	if !ok || tip.Height != 3 {
		t.Fatalf("expected tip height 3 after replay, got %+v", tip)
	}
}

// TestOnPeerConnectSendsReadHighestAndSeedsQuorum verifies connecting a
// peer both requests its tip and registers it with the peer book.
func TestOnPeerConnectSendsReadHighestAndSeedsQuorum(t *testing.T) {
	e := newTestEngine()
	conn, remote := pipeConn("peer-a")
	defer remote.Close()

	done := make(chan []byte, 1)
	go func() { done <- readSome(t, remote, time.Second) }()

	if err := e.OnPeerConnect(peerbook.Peer{ID: "peer-a"}, conn); err != nil {
		t.Fatalf("OnPeerConnect: %v", err)
	}

	got := <-done
	if !bytes.Equal(got, []byte("0008R01")) {
		t.Fatalf("expected a bare TagReadHighest probe, got %q", got)
	}
	if !e.book.HasQuorum() {
		t.Error("expected low-health-net quorum of 1 to be reached on first connect")
	}
}

// TestOnPeerDisconnectTriggersRestartDiscoveryOnQuorumLoss verifies the
// restart-discovery hook fires only when quorum is actually lost.
func TestOnPeerDisconnectTriggersRestartDiscoveryOnQuorumLoss(t *testing.T) {
	e := newTestEngine()
	conn, remote := pipeConn("peer-a")
	defer remote.Close()
	go discardReads(remote)

	if err := e.OnPeerConnect(peerbook.Peer{ID: "peer-a"}, conn); err != nil {
		t.Fatalf("OnPeerConnect: %v", err)
	}

	fired := false
	e.OnRestartDiscovery(func() { fired = true })
	e.OnPeerDisconnect("peer-a")

	if !fired {
		t.Error("expected restart-discovery hook to fire after losing quorum")
	}
	if _, ok := e.connByID("peer-a"); ok {
		t.Error("expected connection to be unregistered on disconnect")
	}
}

// TestMiningSolutionAcceptedBlockBroadcasts verifies a mined block routed
// through the Run loop's solution channel is applied and announced.
func TestMiningSolutionAcceptedBlockBroadcasts(t *testing.T) {
	e := newTestEngine()
	other, otherRemote := pipeConn("other")
	defer otherRemote.Close()
	e.RegisterConnection(other)

	done := make(chan struct{})
	go func() {
		e.Run(done)
	}()
	defer close(done)

	readDone := make(chan []byte, 1)
	go func() { readDone <- readSome(t, otherRemote, 2*time.Second) }()

	solFn := e.MiningSolution()
	solFn(testBlock(1, "mined-h1", ""), 42, 1000)

	got := <-readDone
	if !bytes.HasPrefix(got, []byte("0008W01")) {
		t.Fatalf("expected mined block to be announced, got %q", got)
	}
}

func discardReads(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}
