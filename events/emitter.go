// Package events implements the internal bus (spec.md §6): the single
// typed channel every other component dispatches through, replacing what
// the source describes as "event emitter with named topics" (spec.md §9)
// with a compile-time-checked set of topics and one dispatcher.
package events

import (
	"log"
	"sync"
)

// Topic labels what happened on the bus.
type Topic string

const (
	// TopicPutBlock carries a single inbound block (0008W01) for the
	// engine to hand to Multiverse.add_next_block.
	TopicPutBlock Topic = "putBlock"
	// TopicPutBlockList carries a full-sync range reply (0007W01).
	TopicPutBlockList Topic = "putBlockList"
	// TopicPutMultiverse carries a selective-sync reply (0010W01).
	TopicPutMultiverse Topic = "putMultiverse"
	// TopicAnnounceNewBlock asks the engine to gossip a block to every
	// connection except the event's own. Blocks the engine accepts itself
	// are announced directly, without emitting this topic.
	TopicAnnounceNewBlock Topic = "announceNewBlock"
	// TopicQSend carries the text fields of an inbound intro (0000R01) or
	// list-services (0005R01) frame; the engine records an intro's peer_id
	// as discovered.
	TopicQSend Topic = "qsend"
	// TopicGetBlockList requests a full-sync range from a peer (0006R01).
	TopicGetBlockList Topic = "getBlockList"
	// TopicGetMultiverse requests a selective-sync range from a peer
	// (0009R01).
	TopicGetMultiverse Topic = "getMultiverse"
)

// Event is the payload shape spec.md §6 assigns to every bus topic.
type Event struct {
	Data         any    `json:"data"`
	RemoteHost   string `json:"remote_host"`
	RemotePort   int    `json:"remote_port"`
	ConnectionID string `json:"connection_id"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is the internal bus: a synchronous pub/sub broker. Subscribe
// before Emit; there is no replay of events published before a handler
// registers.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[Topic][]Handler)}
}

// Subscribe registers h to be called whenever topic is emitted.
func (e *Emitter) Subscribe(topic Topic, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[topic] = append(e.handlers[topic], h)
}

// Emit delivers ev to every subscriber of topic, synchronously and in
// subscription order. Each handler is guarded by panic recovery so a
// misbehaving subscriber cannot halt the single-threaded core (spec.md
// §5's cooperative scheduling model depends on this).
func (e *Emitter) Emit(topic Topic, ev Event) {
	e.mu.RLock()
	handlers := e.handlers[topic]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[events] handler panicked for %s: %v", topic, r)
				}
			}()
			h(ev)
		}()
	}
}
