package peerbook

import (
	"testing"

	"github.com/tolelom/multiverse/internal/testutil"
)

// TestConnectReachesQuorumUnderLowHealthNet verifies a single connection
// is enough to reach quorum when low-health-net mode is set.
func TestConnectReachesQuorumUnderLowHealthNet(t *testing.T) {
	book := New(testutil.NewFacade(), 3, true)
	_, reached, err := book.Connect(Peer{ID: "peer-a", Multiaddr: "1.2.3.4:1000"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !reached {
		t.Error("a single connection under low-health-net should reach quorum")
	}
	if !book.HasQuorum() {
		t.Error("HasQuorum should report true")
	}
}

// TestConnectRequiresFullQuorumOtherwise verifies quorum is not reached
// until quorumSize distinct peers are connected.
func TestConnectRequiresFullQuorumOtherwise(t *testing.T) {
	book := New(testutil.NewFacade(), 3, false)
	_, reached, _ := book.Connect(Peer{ID: "peer-a"})
	if reached {
		t.Error("one of three peers should not reach quorum")
	}
	book.Connect(Peer{ID: "peer-b"})
	_, reached, _ = book.Connect(Peer{ID: "peer-c"})
	if !reached {
		t.Error("third of three peers should reach quorum")
	}
}

// TestBanPreventsConnect verifies a banned peer cannot be connected.
func TestBanPreventsConnect(t *testing.T) {
	book := New(testutil.NewFacade(), 1, false)
	book.Ban("bad-peer")
	if !book.IsBanned("bad-peer") {
		t.Fatal("peer should be banned")
	}
	if _, _, err := book.Connect(Peer{ID: "bad-peer"}); err == nil {
		t.Error("connecting a banned peer should fail")
	}
}

// TestDisconnectReportsQuorumLoss verifies Disconnect signals when the
// book falls below its quorum target.
func TestDisconnectReportsQuorumLoss(t *testing.T) {
	book := New(testutil.NewFacade(), 2, false)
	book.Connect(Peer{ID: "peer-a"})
	book.Connect(Peer{ID: "peer-b"})
	if !book.Disconnect("peer-a") {
		t.Error("dropping below quorum size should report quorum loss")
	}
}
