package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/tolelom/multiverse/codec"
	"github.com/tolelom/multiverse/core"
	"github.com/tolelom/multiverse/events"
	"github.com/tolelom/multiverse/network"
)

type fakeHandler struct {
	tip       *core.Block
	rangeLo   int64
	rangeHi   int64
	rangeOut  []*core.Block
	delivered []events.Event
	topics    []events.Topic
}

func (f *fakeHandler) LatestBlock() (*core.Block, bool) { return f.tip, f.tip != nil }

func (f *fakeHandler) BlockRange(lo, hi int64) ([]*core.Block, error) {
	f.rangeLo, f.rangeHi = lo, hi
	return f.rangeOut, nil
}

func (f *fakeHandler) Deliver(topic events.Topic, ev events.Event) {
	f.topics = append(f.topics, topic)
	f.delivered = append(f.delivered, ev)
}

func testBlock(height int64, hash string) *core.Block {
	b := core.NewBlock()
	b.Height = height
	b.Hash = hash
	b.PreviousHash = "p"
	b.Difficulty = uint256.NewInt(1)
	b.TotalDistance = uint256.NewInt(uint64(height))
	b.Distance = uint256.NewInt(1)
	return b
}

// TestConnectionServesBlockRangeRequest verifies a TagReadBlockRange
// request produces a TagWriteBlockList reply carrying the handler's
// blocks.
func TestConnectionServesBlockRangeRequest(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	h := &fakeHandler{rangeOut: []*core.Block{testBlock(5, "h5"), testBlock(6, "h6")}}
	serverConn := network.NewConn("server", "server-addr", serverRaw)
	conn := NewConnection(serverConn, h)
	go conn.Serve()

	clientConn := network.NewConn("client", "client-addr", clientRaw)
	req := EncodeFrame(TagReadBlockRange, []byte("5"), []byte("6"))
	if _, err := clientConn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	clientRaw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := clientRaw.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}

	tag, fields, err := DecodeFrame(buf[:n])
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if tag != TagWriteBlockList {
		t.Fatalf("reply tag: got %q want %q", tag, TagWriteBlockList)
	}
	blocks, err := codec.DecodeBlockList(fields[0])
	if err != nil {
		t.Fatalf("DecodeBlockList: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if h.rangeLo != 5 || h.rangeHi != 6 {
		t.Errorf("handler saw range [%d,%d], want [5,6]", h.rangeLo, h.rangeHi)
	}
}

// TestConnectionDeliversInboundBlock verifies a TagWriteHighest frame
// decodes the embedded block and delivers it as a putBlock event.
func TestConnectionDeliversInboundBlock(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	h := &fakeHandler{}
	serverConn := network.NewConn("server", "server-addr:9", serverRaw)
	conn := NewConnection(serverConn, h)

	b := testBlock(9, "h9")
	done := make(chan struct{})
	go func() {
		conn.dispatch(EncodeFrame(TagWriteHighest, codec.EncodeBlock(b)), "server-addr", 9)
		close(done)
	}()
	<-done

	if len(h.topics) != 1 || h.topics[0] != events.TopicPutBlock {
		t.Fatalf("expected one putBlock delivery, got %v", h.topics)
	}
	got, ok := h.delivered[0].Data.(*core.Block)
	if !ok || got.Hash != "h9" {
		t.Errorf("delivered block mismatch: %+v", h.delivered[0].Data)
	}
}
