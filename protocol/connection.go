package protocol

import (
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"

	"github.com/tolelom/multiverse/codec"
	"github.com/tolelom/multiverse/core"
	"github.com/tolelom/multiverse/events"
	"github.com/tolelom/multiverse/network"
)

// Handler is everything the Protocol engine needs from the rest of the
// core to answer requests and route inbound messages. The Engine (C9)
// implements it.
type Handler interface {
	// LatestBlock returns the current tip for a TagReadHighest reply.
	LatestBlock() (*core.Block, bool)
	// BlockRange returns persisted blocks for heights in [lo, hi], for a
	// TagReadBlockRange/TagReadMultiverse reply.
	BlockRange(lo, hi int64) ([]*core.Block, error)
	// Deliver hands a decoded bus event to the engine's dispatcher.
	Deliver(topic events.Topic, ev events.Event)
}

// Connection serves one peer connection: it reassembles chunks into
// frames, decodes them, and routes them to h.
type Connection struct {
	conn *network.Conn
	h    Handler
	reas *Reassembler
}

// NewConnection wraps an accepted or dialed network.Conn.
func NewConnection(conn *network.Conn, h Handler) *Connection {
	return &Connection{conn: conn, h: h, reas: NewReassembler()}
}

// ID returns the underlying connection's identifier, used as the bus
// event's connection_id.
func (c *Connection) ID() string { return c.conn.ID() }

// Serve reads chunks until the connection closes or a read error occurs,
// reassembling and dispatching each complete frame. It never returns an
// error for a malformed frame: per spec.md §7, the offending message is
// logged and dropped, not fatal to the connection.
func (c *Connection) Serve() {
	host, portStr, _ := net.SplitHostPort(c.conn.RemoteAddr())
	port, _ := strconv.Atoi(portStr)

	for {
		chunk, err := c.conn.ReadChunk()
		if err != nil {
			return
		}
		msg, complete := c.reas.Feed(chunk)
		if !complete {
			continue
		}
		if len(msg) == 0 {
			continue
		}
		if err := c.dispatch(msg, host, port); err != nil {
			log.Printf("[protocol] dropping malformed message from %s: %v", c.conn.RemoteAddr(), err)
		}
	}
}

func (c *Connection) dispatch(msg []byte, host string, port int) error {
	tag, fields, err := DecodeFrame(msg)
	if err != nil {
		return err
	}

	ev := func(data any) events.Event {
		return events.Event{Data: data, RemoteHost: host, RemotePort: port, ConnectionID: c.ID()}
	}

	switch tag {
	case TagReadHighest:
		tip, ok := c.h.LatestBlock()
		if !ok {
			return nil
		}
		return c.send(TagWriteHighest, codec.EncodeBlock(tip))

	case TagReadBlockRange, TagReadMultiverse:
		if len(fields) != 2 {
			return fmt.Errorf("%s: expected 2 fields, got %d", tag, len(fields))
		}
		lo, err := parseHeight(fields[0])
		if err != nil {
			return fmt.Errorf("%s: low: %w", tag, err)
		}
		hi, err := parseHeight(fields[1])
		if err != nil {
			return fmt.Errorf("%s: high: %w", tag, err)
		}
		blocks, err := c.h.BlockRange(lo, hi)
		if err != nil {
			return fmt.Errorf("%s: block range: %w", tag, err)
		}
		reply := TagWriteBlockList
		if tag == TagReadMultiverse {
			reply = TagWriteMultiverse
		}
		var payload []byte
		for _, b := range blocks {
			payload = append(payload, codec.EncodeBlock(b)...)
		}
		return c.send(reply, payload)

	case TagWriteHighest:
		if len(fields) != 1 {
			return fmt.Errorf("%s: expected 1 field, got %d", tag, len(fields))
		}
		b, _, err := codec.DecodeBlock(fields[0])
		if err != nil {
			return fmt.Errorf("%s: %w", tag, err)
		}
		c.h.Deliver(events.TopicPutBlock, ev(b))
		return nil

	case TagWriteBlockList, TagWriteMultiverse:
		if len(fields) != 1 {
			return fmt.Errorf("%s: expected 1 field, got %d", tag, len(fields))
		}
		blocks, err := codec.DecodeBlockList(fields[0])
		if err != nil {
			return fmt.Errorf("%s: %w", tag, err)
		}
		sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height > blocks[j].Height })
		topic := events.TopicPutBlockList
		if tag == TagWriteMultiverse {
			topic = events.TopicPutMultiverse
		}
		c.h.Deliver(topic, ev(blocks))
		return nil

	case TagIntro, TagListServices:
		// Handshake/discovery metadata; the Peer Book, not this
		// connection, owns what to do with it.
		c.h.Deliver(events.TopicQSend, ev(fields))
		return nil

	default:
		return fmt.Errorf("unhandled tag %q", tag)
	}
}

func (c *Connection) send(tag Tag, payload []byte) error {
	_, err := c.conn.Write(EncodeFrame(tag, payload))
	return err
}

func parseHeight(b []byte) (int64, error) {
	var v int64
	for _, d := range b {
		if d < '0' || d > '9' {
			return 0, fmt.Errorf("non-numeric height field %q", b)
		}
		v = v*10 + int64(d-'0')
	}
	return v, nil
}

// AnnounceBlock encodes and sends b as a TagWriteHighest frame, the
// gossip path for a newly accepted block (spec.md §4.2's announceNewBlock
// topic feeding back out to peers).
func AnnounceBlock(conn *network.Conn, b *core.Block) error {
	_, err := conn.Write(EncodeFrame(TagWriteHighest, codec.EncodeBlock(b)))
	return err
}
