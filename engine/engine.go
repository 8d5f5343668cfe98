// Package engine implements the Engine (spec.md C9): the orchestrator
// that owns the event bus and wires the Multiverse, Peer Book, Protocol
// engine, Block Pool, and Worker Pool together on one logical thread.
//
// The shape — a single struct holding every collaborator, constructed
// once via New and then driven by a blocking Run(done) select loop —
// follows the teacher's consensus.PoA: a struct wrapping the blockchain,
// state, mempool, and emitter, driven by a Run(interval, done) ticker
// loop. Where PoA's loop only ever reacts to a timer, the Engine's loop
// fans in four sources (bus events, mining solutions, a health-check
// ticker, and a fatal-error channel) but keeps the same one-goroutine,
// select-driven discipline spec.md §5 requires ("single-threaded
// cooperative core").
package engine

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/tolelom/multiverse/blockpool"
	"github.com/tolelom/multiverse/core"
	"github.com/tolelom/multiverse/events"
	"github.com/tolelom/multiverse/multiverse"
	"github.com/tolelom/multiverse/network"
	"github.com/tolelom/multiverse/peerbook"
	"github.com/tolelom/multiverse/persistence"
	"github.com/tolelom/multiverse/protocol"
	"github.com/tolelom/multiverse/worker"
)

// healthCheckInterval is how often the engine compares the worker pool's
// guard file to its live PID set (spec.md §4.3's health check).
const healthCheckInterval = 20 * time.Second

// inboxCapacity bounds how many bus events can be queued before the
// dispatch loop catches up. The core is single-threaded (spec.md §5), so
// this is a backpressure valve, not a performance knob.
const inboxCapacity = 256

// Config carries the environment knobs spec.md §6 assigns to the engine.
type Config struct {
	QuorumSize          int
	LowHealthNet        bool
	MinerKey            string
	StrictSequenceCheck bool
	StrictResync        bool
}

type busMsg struct {
	topic events.Topic
	ev    events.Event
}

type minedSolution struct {
	block      *core.Block
	iterations int64
	timeDiffNs int64
}

// Engine wires C4 (Multiverse) through C8 (Worker Pool) into a single
// orchestrator, as spec.md §2's data-flow row describes. It implements
// protocol.Handler so the Protocol engine can route decoded frames back
// in without knowing anything about mining or chain adoption.
type Engine struct {
	cfg Config

	store   *persistence.Facade
	mv      *multiverse.Multiverse
	book    *peerbook.Book
	pool    *blockpool.Pool
	workers *worker.Pool
	emitter *events.Emitter

	mu    sync.Mutex
	conns map[string]*network.Conn

	inbox     chan busMsg
	solutions chan minedSolution
	fatal     chan error

	onRestartDiscovery func()
}

// New wires cfg and every collaborator into a ready-to-run Engine. The
// caller still owns starting the listener and calling AllRise/Run.
func New(
	cfg Config,
	store *persistence.Facade,
	mv *multiverse.Multiverse,
	book *peerbook.Book,
	pool *blockpool.Pool,
	workers *worker.Pool,
	emitter *events.Emitter,
) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		mv:        mv,
		book:      book,
		pool:      pool,
		workers:   workers,
		emitter:   emitter,
		conns:     make(map[string]*network.Conn),
		inbox:     make(chan busMsg, inboxCapacity),
		solutions: make(chan minedSolution, inboxCapacity),
		fatal:     make(chan error, 1),
	}

	for _, topic := range []events.Topic{
		events.TopicPutBlock,
		events.TopicPutBlockList,
		events.TopicPutMultiverse,
		events.TopicAnnounceNewBlock,
		events.TopicQSend,
		events.TopicGetBlockList,
		events.TopicGetMultiverse,
	} {
		t := topic
		e.emitter.Subscribe(t, func(ev events.Event) { e.enqueue(t, ev) })
	}

	if workers != nil {
		workers.OnFatal(func(err error) {
			select {
			case e.fatal <- fmt.Errorf("worker pool: %w", err):
			default:
			}
		})
	}

	return e
}

// OnRestartDiscovery registers a callback invoked when the peer book
// falls below quorum after a disconnect (spec.md §4.2: "On peer:disconnect,
// if quorum is lost, restart discovery"). Discovery itself is the overlay
// collaborator's concern (spec.md §1), out of scope here.
func (e *Engine) OnRestartDiscovery(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRestartDiscovery = fn
}

func (e *Engine) enqueue(topic events.Topic, ev events.Event) {
	select {
	case e.inbox <- busMsg{topic: topic, ev: ev}:
	default:
		log.Printf("[engine] inbox full, dropping %s event from %s", topic, ev.ConnectionID)
	}
}

// ---- protocol.Handler ----

// LatestBlock satisfies protocol.Handler for TagReadHighest replies.
func (e *Engine) LatestBlock() (*core.Block, bool) {
	return e.mv.GetHighest()
}

// BlockRange satisfies protocol.Handler for range-request replies.
func (e *Engine) BlockRange(lo, hi int64) ([]*core.Block, error) {
	return e.store.GetBlockRange(lo, hi)
}

// Deliver satisfies protocol.Handler: it re-enters through the bus rather
// than calling the dispatcher directly, so delivery from any connection's
// goroutine is always serialized through Run's single select loop.
func (e *Engine) Deliver(topic events.Topic, ev events.Event) {
	e.emitter.Emit(topic, ev)
}

// ---- solution intake ----

// MiningSolution returns the callback to pass as worker.New's
// SolutionFunc: it hands mined blocks back to the engine's single
// dispatch thread instead of racing AddNextBlock from the reader
// goroutine that received them.
func (e *Engine) MiningSolution() worker.SolutionFunc {
	return func(block *core.Block, iterations int64, timeDiffNs int64) {
		select {
		case e.solutions <- minedSolution{block: block, iterations: iterations, timeDiffNs: timeDiffNs}:
		default:
			log.Printf("[engine] solution queue full, dropping mined block at height %d", block.Height)
		}
	}
}

// ---- connection registry ----

// RegisterConnection tracks conn so replies and gossip broadcasts can
// reach it by connection ID.
func (e *Engine) RegisterConnection(conn *network.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[conn.ID()] = conn
}

// UnregisterConnection drops conn from the registry.
func (e *Engine) UnregisterConnection(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, id)
}

func (e *Engine) connByID(id string) (*network.Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[id]
	return c, ok
}

// ---- peer lifecycle (spec.md §4.2's "Connection lifecycle") ----

// OnPeerConnect registers conn and promotes p to connected in the peer
// book, seeding quorum on the very first connection. It then requests
// the peer's tip so the dispatch loop can decide whether to push ours.
func (e *Engine) OnPeerConnect(p peerbook.Peer, conn *network.Conn) error {
	e.RegisterConnection(conn)
	if _, _, err := e.book.Connect(p); err != nil {
		e.UnregisterConnection(conn.ID())
		return fmt.Errorf("peer connect: %w", err)
	}
	if _, err := conn.Write(protocol.EncodeFrame(protocol.TagReadHighest)); err != nil {
		return fmt.Errorf("request peer tip: %w", err)
	}
	return nil
}

// OnPeerDisconnect drops conn from the registry and the peer book, and
// fires the restart-discovery hook if quorum was lost as a result.
func (e *Engine) OnPeerDisconnect(id string) {
	e.UnregisterConnection(id)
	if quorumLost := e.book.Disconnect(id); quorumLost {
		e.mu.Lock()
		hook := e.onRestartDiscovery
		e.mu.Unlock()
		if hook != nil {
			hook()
		}
	}
}

// ---- startup/shutdown ----

// AllRise starts the worker pool.
func (e *Engine) AllRise() error {
	if e.workers == nil {
		return nil
	}
	return e.workers.AllRise()
}

// Dismiss tears down the worker pool.
func (e *Engine) Dismiss() {
	if e.workers != nil {
		e.workers.Dismiss()
	}
}

// Run is the cooperative core loop (spec.md §5): it drains bus events,
// mining solutions, and a periodic health check on one goroutine, until
// done is closed or a fatal error arrives. A non-nil error return means
// the caller should exit non-zero (spec.md §6's exit-code contract).
func (e *Engine) Run(done <-chan struct{}) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case err := <-e.fatal:
			return err
		case msg := <-e.inbox:
			e.dispatch(msg.topic, msg.ev)
		case sol := <-e.solutions:
			e.handleSolution(sol.block, sol.iterations, sol.timeDiffNs)
		case <-ticker.C:
			e.checkWorkerHealth()
		}
	}
}

func (e *Engine) checkWorkerHealth() {
	if e.workers == nil {
		return
	}
	if e.workers.HealthCheck() {
		return
	}
	log.Printf("[engine] worker pool unhealthy, recycling")
	e.workers.Dismiss()
	if err := e.workers.AllRise(); err != nil {
		select {
		case e.fatal <- fmt.Errorf("worker pool recycle: %w", err):
		default:
		}
	}
}

func (e *Engine) handleSolution(block *core.Block, iterations, timeDiffNs int64) {
	if block == nil {
		return
	}
	if !e.mv.AddNextBlock(block) {
		log.Printf("[engine] mined block at height %d rejected by multiverse (iterations=%d)", block.Height, iterations)
		return
	}
	log.Printf("[engine] mined block at height %d accepted (iterations=%d, time=%dns)", block.Height, iterations, timeDiffNs)
	e.broadcastAnnounce(block, "")
}

// ---- bus dispatch ----

func (e *Engine) dispatch(topic events.Topic, ev events.Event) {
	switch topic {
	case events.TopicPutBlock:
		e.handlePutBlock(ev)
	case events.TopicPutBlockList:
		e.handlePutBlockBatch(ev, false)
	case events.TopicPutMultiverse:
		e.handlePutBlockBatch(ev, true)
	case events.TopicAnnounceNewBlock:
		if b, ok := ev.Data.(*core.Block); ok {
			e.broadcastAnnounce(b, ev.ConnectionID)
		}
	case events.TopicQSend:
		e.handleQSend(ev)
	case events.TopicGetBlockList:
		e.handleRangeRequest(ev, protocol.TagReadBlockRange)
	case events.TopicGetMultiverse:
		e.handleRangeRequest(ev, protocol.TagReadMultiverse)
	}
}

func (e *Engine) handlePutBlock(ev events.Event) {
	block, ok := ev.Data.(*core.Block)
	if !ok || block == nil {
		return
	}
	if e.mv.AddNextBlock(block) {
		e.broadcastAnnounce(block, ev.ConnectionID)
	} else if e.mv.AddResyncRequest(block, e.cfg.StrictResync) {
		e.requestRange(ev.ConnectionID, protocol.TagReadBlockRange, block.Height)
	}

	// spec.md §4.2: "if local tip is >= 3 ahead, push it" — evaluated
	// here since this is where the engine learns a peer's reported tip,
	// whether via an unsolicited announce or a reply to our own
	// TagReadHighest probe.
	if tip, ok := e.mv.GetHighest(); ok && tip.Height >= block.Height+3 {
		if conn, ok := e.connByID(ev.ConnectionID); ok {
			if err := protocol.AnnounceBlock(conn, tip); err != nil {
				log.Printf("[engine] push-ahead announce to %s failed: %v", ev.ConnectionID, err)
			}
		}
	}
}

func (e *Engine) handlePutBlockBatch(ev events.Event, selective bool) {
	blocks, ok := ev.Data.([]*core.Block)
	if !ok || len(blocks) == 0 {
		return
	}
	kind := "range"
	if selective {
		kind = "selective"
	}
	if err := e.mv.ValidateBlockSequenceInline(blocks); err != nil {
		log.Printf("[engine] rejecting %s block batch from %s: %v", kind, ev.ConnectionID, err)
		return
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		if err := e.pool.Add(blocks[i]); err != nil {
			log.Printf("[engine] buffering block height %d failed: %v", blocks[i].Height, err)
		}
	}

	var next int64 = 1
	if tip, ok := e.mv.GetHighest(); ok {
		next = tip.Height + 1
	}
	released, err := e.pool.ReleaseSequential(next)
	if err != nil {
		log.Printf("[engine] releasing buffered blocks from height %d failed: %v", next, err)
		return
	}
	for _, b := range released {
		if !e.mv.AddNextBlock(b) {
			log.Printf("[engine] released block at height %d rejected on replay", b.Height)
			break
		}
	}
}

func (e *Engine) handleQSend(ev events.Event) {
	fields, ok := ev.Data.([][]byte)
	if !ok || len(fields) != 3 {
		return
	}
	peerID := string(fields[2])
	e.book.Discover(peerID)
}

func (e *Engine) handleRangeRequest(ev events.Event, tag protocol.Tag) {
	req, ok := ev.Data.(RangeRequest)
	if !ok {
		return
	}
	conn, ok := e.connByID(ev.ConnectionID)
	if !ok {
		return
	}
	frame := protocol.EncodeFrame(tag,
		[]byte(strconv.FormatInt(req.Lo, 10)),
		[]byte(strconv.FormatInt(req.Hi, 10)),
	)
	if _, err := conn.Write(frame); err != nil {
		log.Printf("[engine] range request to %s failed: %v", ev.ConnectionID, err)
	}
}

// RangeRequest is the payload shape for TopicGetBlockList/TopicGetMultiverse.
type RangeRequest struct {
	Lo, Hi int64
}

func (e *Engine) requestRange(connID string, tag protocol.Tag, upToHeight int64) {
	var lo int64 = 2
	if tip, ok := e.mv.GetHighest(); ok {
		lo = tip.Height + 1
	}
	conn, ok := e.connByID(connID)
	if !ok {
		return
	}
	frame := protocol.EncodeFrame(tag,
		[]byte(strconv.FormatInt(lo, 10)),
		[]byte(strconv.FormatInt(upToHeight, 10)),
	)
	if _, err := conn.Write(frame); err != nil {
		log.Printf("[engine] resync range request to %s failed: %v", connID, err)
	}
}

func (e *Engine) broadcastAnnounce(b *core.Block, exceptConnID string) {
	e.mu.Lock()
	conns := make([]*network.Conn, 0, len(e.conns))
	for id, c := range e.conns {
		if id == exceptConnID {
			continue
		}
		conns = append(conns, c)
	}
	e.mu.Unlock()
	for _, c := range conns {
		if err := protocol.AnnounceBlock(c, b); err != nil {
			log.Printf("[engine] announce to %s failed: %v", c.ID(), err)
		}
	}
}
