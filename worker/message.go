// Package worker implements the Worker Pool (spec.md C8): supervised
// miner child processes, a typed message channel between pool and
// worker, heartbeat-based liveness, and a durable guard file surviving
// restarts.
//
// Per spec.md §9's design note, process isolation for mining is kept
// (crash recovery), but the channel uses length-prefixed typed frames
// instead of textual message passing — the same big-endian length-prefix
// idiom package codec already uses for block records, here wrapping
// encoding/gob instead of a hand-rolled field layout, since a worker
// message's shape (solution blocks, child headers, arbitrary-precision
// difficulty) is exactly what gob already round-trips for the teacher's
// own JSON-configured types.
package worker

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/holiman/uint256"

	"github.com/tolelom/multiverse/core"
)

// Kind labels a worker-channel message (spec.md §4.3's message taxonomy).
type Kind string

const (
	// Worker -> pool.
	KindHeartbeat Kind = "heartbeat"
	KindSolution  Kind = "solution"
	KindError     Kind = "error"

	// Pool -> worker.
	KindWork  Kind = "work"
	KindAbort Kind = "abort"
)

// Message is the single wire type exchanged in both directions over the
// worker's stdin/stdout pipes.
type Message struct {
	ID   string
	Kind Kind

	// KindSolution payload.
	Solution   *core.Block
	Iterations int64
	TimeDiffNs int64

	// KindError payload.
	ErrText string

	// KindWork payload.
	PreviousBlock *core.Block
	Headers       map[string][]core.ChildHeader
	Difficulty    *uint256.Int
	MinerKey      string
}

func init() {
	gob.Register(&core.Block{})
}

// WriteMessage writes msg to w as a 4-byte big-endian length prefix
// followed by its gob encoding.
func WriteMessage(w io.Writer, msg Message) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(msg); err != nil {
		return fmt.Errorf("encode worker message: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// ReadMessage reads one length-prefixed gob message from r, blocking
// until a complete frame arrives or r returns an error.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read worker message body: %w", err)
	}
	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("decode worker message: %w", err)
	}
	return msg, nil
}
