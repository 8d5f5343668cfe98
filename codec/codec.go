// Package codec implements deterministic binary (de)serialization for
// composite blocks and child headers.
//
// The framing idiom — a big-endian length prefix ahead of every
// variable-length field — is the one the teacher already uses for its own
// deterministic hashes (core.ComputeTxRoot, storage.StateDB.ComputeRoot);
// this package generalizes it to a full block so that concatenated,
// serialized blocks can be split back apart without ambiguity, even though
// the wire protocol's own framing (package protocol) additionally uses a
// human-visible "[*]" separator between top-level message fields.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/tolelom/multiverse/core"
)

// ComputeHash returns the content digest of b: the SHA-256 of its encoded
// body, excluding the Hash field itself (which is derived from the body,
// not part of it).
func ComputeHash(b *core.Block) string {
	return hex.EncodeToString(hashBody(b))
}

func hashBody(b *core.Block) []byte {
	h := sha256.Sum256(encodeBody(b))
	return h[:]
}

// EncodeBlock serializes b as a length-prefixed record: a 4-byte
// big-endian total length, followed by the hash and the body. Concatenating
// the output of several calls produces a payload that DecodeBlockList can
// split back apart field-for-field, which is what the "0007W01"/"0010W01"
// wire messages transmit.
func EncodeBlock(b *core.Block) []byte {
	body := encodeBody(b)
	hash := b.Hash
	if hash == "" {
		hash = hex.EncodeToString(sha256Of(body))
	}

	var rec bytes.Buffer
	writeString(&rec, hash)
	rec.Write(body)

	var out bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(rec.Len()))
	out.Write(lenBuf[:])
	out.Write(rec.Bytes())
	return out.Bytes()
}

// DecodeBlock reads one length-prefixed block record from the front of
// data and returns it along with the number of bytes consumed.
func DecodeBlock(data []byte) (*core.Block, int, error) {
	if len(data) < 4 {
		return nil, 0, &core.CodecError{Op: "decode_block", Err: fmt.Errorf("truncated length prefix")}
	}
	recLen := int(binary.BigEndian.Uint32(data[:4]))
	if recLen < 0 || len(data) < 4+recLen {
		return nil, 0, &core.CodecError{Op: "decode_block", Err: fmt.Errorf("truncated record: want %d bytes, have %d", recLen, len(data)-4)}
	}
	rec := data[4 : 4+recLen]

	r := &reader{buf: rec}
	hash, err := r.readString()
	if err != nil {
		return nil, 0, &core.CodecError{Op: "decode_block.hash", Err: err}
	}
	b, err := decodeBody(r)
	if err != nil {
		return nil, 0, err
	}
	b.Hash = hash
	return b, 4 + recLen, nil
}

// DecodeBlockList splits a concatenated-blocks payload (as produced by
// repeated EncodeBlock calls) into its constituent blocks. A malformed
// trailing fragment is a CodecError, not a silent truncation.
func DecodeBlockList(data []byte) ([]*core.Block, error) {
	var blocks []*core.Block
	for len(data) > 0 {
		b, n, err := DecodeBlock(data)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
		data = data[n:]
	}
	return blocks, nil
}

func encodeBody(b *core.Block) []byte {
	var buf bytes.Buffer
	writeString(&buf, b.PreviousHash)
	writeInt64(&buf, b.Height)
	writeInt64(&buf, b.Timestamp)
	writeUint256(&buf, b.Difficulty)
	writeUint256(&buf, b.TotalDistance)
	writeUint256(&buf, b.Distance)
	writeString(&buf, b.MinerKey)

	writeUint32(&buf, uint32(len(b.ChainOrder)))
	for _, chain := range b.ChainOrder {
		writeString(&buf, chain)
		headers := b.BlockchainHeaders[chain]
		writeUint32(&buf, uint32(len(headers)))
		for _, h := range headers {
			encodeHeader(&buf, h)
		}
	}
	return buf.Bytes()
}

func decodeBody(r *reader) (*core.Block, error) {
	b := core.NewBlock()
	var err error
	if b.PreviousHash, err = r.readString(); err != nil {
		return nil, &core.CodecError{Op: "decode_block.previous_hash", Err: err}
	}
	if b.Height, err = r.readInt64(); err != nil {
		return nil, &core.CodecError{Op: "decode_block.height", Err: err}
	}
	if b.Timestamp, err = r.readInt64(); err != nil {
		return nil, &core.CodecError{Op: "decode_block.timestamp", Err: err}
	}
	if b.Difficulty, err = r.readUint256(); err != nil {
		return nil, &core.CodecError{Op: "decode_block.difficulty", Err: err}
	}
	if b.TotalDistance, err = r.readUint256(); err != nil {
		return nil, &core.CodecError{Op: "decode_block.total_distance", Err: err}
	}
	if b.Distance, err = r.readUint256(); err != nil {
		return nil, &core.CodecError{Op: "decode_block.distance", Err: err}
	}
	if b.MinerKey, err = r.readString(); err != nil {
		return nil, &core.CodecError{Op: "decode_block.miner_key", Err: err}
	}

	chainCount, err := r.readUint32()
	if err != nil {
		return nil, &core.CodecError{Op: "decode_block.chain_count", Err: err}
	}
	for i := uint32(0); i < chainCount; i++ {
		chain, err := r.readString()
		if err != nil {
			return nil, &core.CodecError{Op: "decode_block.chain_name", Err: err}
		}
		hdrCount, err := r.readUint32()
		if err != nil {
			return nil, &core.CodecError{Op: "decode_block.header_count", Err: err}
		}
		headers := make([]core.ChildHeader, 0, hdrCount)
		for j := uint32(0); j < hdrCount; j++ {
			h, err := decodeHeader(r)
			if err != nil {
				return nil, err
			}
			headers = append(headers, h)
		}
		b.AddHeaders(chain, headers...)
	}
	return b, nil
}

// EncodeHeader serializes a single child header, as stored by a rover
// under the "{chain}.block.{height}" key (spec.md §6). The core never
// writes this key — it only reads it via DecodeHeader to check a
// composite block's rovered headers against what was actually harvested.
func EncodeHeader(h core.ChildHeader) []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, h)
	return buf.Bytes()
}

// DecodeHeader parses a single child header previously written with
// EncodeHeader.
func DecodeHeader(data []byte) (core.ChildHeader, error) {
	r := &reader{buf: data}
	return decodeHeader(r)
}

func encodeHeader(buf *bytes.Buffer, h core.ChildHeader) {
	writeString(buf, h.Blockchain)
	writeInt64(buf, h.Height)
	writeString(buf, h.Hash)
	writeString(buf, h.MerkleRoot)
	writeInt64(buf, h.Timestamp)
}

func decodeHeader(r *reader) (core.ChildHeader, error) {
	var h core.ChildHeader
	var err error
	if h.Blockchain, err = r.readString(); err != nil {
		return h, &core.CodecError{Op: "decode_header.blockchain", Err: err}
	}
	if h.Height, err = r.readInt64(); err != nil {
		return h, &core.CodecError{Op: "decode_header.height", Err: err}
	}
	if h.Hash, err = r.readString(); err != nil {
		return h, &core.CodecError{Op: "decode_header.hash", Err: err}
	}
	if h.MerkleRoot, err = r.readString(); err != nil {
		return h, &core.CodecError{Op: "decode_header.merkle_root", Err: err}
	}
	if h.Timestamp, err = r.readInt64(); err != nil {
		return h, &core.CodecError{Op: "decode_header.timestamp", Err: err}
	}
	return h, nil
}

// ---- primitive framing ----

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeUint256(buf *bytes.Buffer, v *uint256.Int) {
	if v == nil {
		v = new(uint256.Int)
	}
	b := v.Bytes32()
	buf.Write(b[:])
}

func sha256Of(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readUint32() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, fmt.Errorf("truncated uint32")
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) readInt64() (int64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, fmt.Errorf("truncated int64")
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return int64(v), nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	if uint32(len(r.buf)-r.pos) < n {
		return "", fmt.Errorf("truncated string field")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) readUint256() (*uint256.Int, error) {
	if len(r.buf)-r.pos < 32 {
		return nil, fmt.Errorf("truncated uint256")
	}
	var b [32]byte
	copy(b[:], r.buf[r.pos:r.pos+32])
	r.pos += 32
	return new(uint256.Int).SetBytes32(b[:]), nil
}
