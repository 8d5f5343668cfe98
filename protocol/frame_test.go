package protocol

import (
	"bytes"
	"testing"

	"github.com/holiman/uint256"

	"github.com/tolelom/multiverse/codec"
	"github.com/tolelom/multiverse/core"
)

// TestFrameRoundTrip verifies a serialized block survives an
// encode/decode cycle through a TagWriteHighest frame unchanged.
func TestFrameRoundTrip(t *testing.T) {
	b := core.NewBlock()
	b.Height = 4
	b.PreviousHash = "parent"
	b.Hash = "h4"
	b.Timestamp = 123
	b.Difficulty = uint256.NewInt(9)
	b.TotalDistance = uint256.NewInt(90)
	b.Distance = uint256.NewInt(9)
	b.AddHeaders("childchain", core.ChildHeader{Blockchain: "childchain", Height: 1, Hash: "ch1"})

	frame := EncodeFrame(TagWriteHighest, codec.EncodeBlock(b))
	tag, fields, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if tag != TagWriteHighest {
		t.Fatalf("tag: got %q want %q", tag, TagWriteHighest)
	}
	if len(fields) != 1 {
		t.Fatalf("fields: got %d want 1", len(fields))
	}
	got, _, err := codec.DecodeBlock(fields[0])
	if err != nil {
		t.Fatalf("DecodeBlock: %v", err)
	}
	if got.Hash != b.Hash || got.Height != b.Height || got.PreviousHash != b.PreviousHash {
		t.Errorf("round-tripped block mismatch: got %+v", got)
	}
}

// TestDecodeFrameRejectsUnknownTag verifies an unrecognized tag is a
// CodecError, not a silent drop (spec.md §9's design note).
func TestDecodeFrameRejectsUnknownTag(t *testing.T) {
	_, _, err := DecodeFrame([]byte("9999Z99" + Separator + "x"))
	if err == nil {
		t.Error("an unknown tag should return an error")
	}
}

// TestReadBlockRangeFraming verifies a two-field range request encodes
// and decodes its low/high fields intact.
func TestReadBlockRangeFraming(t *testing.T) {
	frame := EncodeFrame(TagReadBlockRange, []byte("5"), []byte("8"))
	tag, fields, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if tag != TagReadBlockRange {
		t.Fatalf("tag: got %q", tag)
	}
	if len(fields) != 2 || !bytes.Equal(fields[0], []byte("5")) || !bytes.Equal(fields[1], []byte("8")) {
		t.Fatalf("fields mismatch: %v", fields)
	}
}

// TestReassemblerConcatenatesContinuationChunks verifies the 1382-byte
// chunk quirk: chunks of exactly that length are buffered until a
// differently-sized chunk terminates the message.
func TestReassemblerConcatenatesContinuationChunks(t *testing.T) {
	r := NewReassembler()
	chunk1 := bytes.Repeat([]byte("a"), continuationChunkSize)
	chunk2 := bytes.Repeat([]byte("b"), continuationChunkSize)
	final := []byte("done")

	if _, complete := r.Feed(chunk1); complete {
		t.Fatal("a continuation-sized chunk must not complete the message")
	}
	if _, complete := r.Feed(chunk2); complete {
		t.Fatal("a second continuation-sized chunk must not complete the message")
	}
	msg, complete := r.Feed(final)
	if !complete {
		t.Fatal("a non-continuation-sized chunk must complete the message")
	}
	want := append(append(append([]byte{}, chunk1...), chunk2...), final...)
	if !bytes.Equal(msg, want) {
		t.Error("reassembled message does not match concatenated chunks")
	}
}

// TestReassemblerSingleChunkMessage verifies a message arriving in one
// non-continuation-sized chunk completes immediately.
func TestReassemblerSingleChunkMessage(t *testing.T) {
	r := NewReassembler()
	msg, complete := r.Feed([]byte("short message"))
	if !complete {
		t.Fatal("a short single chunk should complete the message immediately")
	}
	if string(msg) != "short message" {
		t.Errorf("got %q", msg)
	}
}
