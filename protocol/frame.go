// Package protocol implements the P2P block-exchange wire format
// (spec.md C6, §4.2): 7-byte ASCII tags, the "[*]" field separator, and
// the observed chunk-reassembly quirk. It never decides whether a block
// is good; it only frames bytes and routes decoded events to whatever
// Handler the engine supplies.
package protocol

import (
	"bytes"

	"github.com/tolelom/multiverse/core"
)

// Tag identifies a wire message's purpose. Every value is exactly 7 ASCII
// bytes, as spec.md §4.2 tabulates.
type Tag string

const (
	TagIntro            Tag = "0000R01" // host, port, peer_id
	TagListServices     Tag = "0005R01" // no payload
	TagReadBlockRange   Tag = "0006R01" // low, high
	TagWriteBlockList   Tag = "0007W01" // block1 .. blockN, each EncodeBlock-framed
	TagReadHighest      Tag = "0008R01" // no payload
	TagWriteHighest     Tag = "0008W01" // one serialized block
	TagReadMultiverse   Tag = "0009R01" // low, high
	TagWriteMultiverse  Tag = "0010W01" // block1 .. blockN
)

const tagLength = 7

// Separator is the three-byte field delimiter spec.md §4.2 requires to
// round-trip bit-exact.
const Separator = "[*]"

// EncodeFrame builds a complete wire frame: tag, then each field
// separated by Separator. fields with no separator between them (such as
// a block-list payload, which is already self-delimiting via the codec's
// length prefixes) should be passed as a single field.
func EncodeFrame(tag Tag, fields ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(tag))
	for _, f := range fields {
		buf.WriteString(Separator)
		buf.Write(f)
	}
	return buf.Bytes()
}

// DecodeFrame splits a complete frame back into its tag and fields. A
// frame with no separator at all is valid (a bodiless request like
// TagReadHighest) and decodes to zero fields.
//
// Block-carrying tags (TagWriteHighest, TagWriteBlockList,
// TagWriteMultiverse) carry raw EncodeBlock output as their one field,
// which is binary and can legally contain the Separator byte sequence
// anywhere inside a hash, a uint256, or a length prefix. Splitting that
// payload on every separator occurrence would shred it, so those tags
// take everything after the first separator as a single opaque field —
// the codec's own length prefixes are what delimit the blocks inside it.
// Every other tag carries short text fields (heights, host/port/peer_id)
// that never collide with the separator, so they are split as usual.
func DecodeFrame(data []byte) (Tag, [][]byte, error) {
	if len(data) < tagLength {
		return "", nil, &core.CodecError{Op: "decode_frame.tag", Err: errTruncatedTag}
	}
	tag := Tag(data[:tagLength])
	if !validTag(tag) {
		return "", nil, &core.CodecError{Op: "decode_frame.tag", Err: errUnknownTag}
	}
	rest := data[tagLength:]
	if len(rest) == 0 {
		return tag, nil, nil
	}
	sep := []byte(Separator)
	if !bytes.HasPrefix(rest, sep) {
		return "", nil, &core.CodecError{Op: "decode_frame.separator", Err: errMissingSeparator}
	}
	rest = rest[len(sep):]
	if hasOpaquePayload(tag) {
		return tag, [][]byte{rest}, nil
	}
	fields := bytes.Split(rest, sep)
	return tag, fields, nil
}

// hasOpaquePayload reports whether tag's single field is raw, self-
// delimited block binary rather than separator-delimited text.
func hasOpaquePayload(t Tag) bool {
	switch t {
	case TagWriteHighest, TagWriteBlockList, TagWriteMultiverse:
		return true
	default:
		return false
	}
}

func validTag(t Tag) bool {
	switch t {
	case TagIntro, TagListServices, TagReadBlockRange, TagWriteBlockList,
		TagReadHighest, TagWriteHighest, TagReadMultiverse, TagWriteMultiverse:
		return true
	default:
		return false
	}
}
