package worker

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"gitlab.com/NebulousLabs/fastrand"

	"github.com/tolelom/multiverse/core"
)

const (
	readyTimeout           = 10 * time.Second
	heartbeatInterval      = 5 * time.Second
	heartbeatMissThreshold = 15 * time.Second
	killTimeout            = 5 * time.Second
	respawnWindow          = 60 * time.Second
	respawnLimit           = 3
)

// Status is a worker's lifecycle state.
type Status int

const (
	StatusStarting Status = iota
	StatusReady
	StatusBusy
	StatusDead
)

// SolutionFunc is invoked when a worker reports a mined block.
type SolutionFunc func(block *core.Block, iterations int64, timeDiffNs int64)

// workerProc is one supervised child process.
type workerProc struct {
	pid    int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu            sync.Mutex
	status        Status
	lastHeartbeat time.Time
	outstanding   map[string]time.Time // msg_id -> sent_ts
	respawns      []time.Time
}

// Pool supervises N miner child processes.
type Pool struct {
	binary    string
	args      []string
	n         int
	guardPath string

	mu       sync.Mutex
	workers  map[int]*workerProc
	guard    GuardFile
	sessions int

	onSolution SolutionFunc
	onFatal    func(error)
}

// OnFatal registers a callback invoked when the pool can no longer
// sustain itself (spec.md §7: three respawns within 60s escalates to
// pool-init failure, which the engine treats as fatal).
func (p *Pool) OnFatal(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFatal = fn
}

// New creates a Pool that will fork n copies of binary (with args) and
// guards its session state at guardPath.
func New(binary string, args []string, n int, guardPath string, onSolution SolutionFunc) *Pool {
	return &Pool{
		binary:     binary,
		args:       args,
		n:          n,
		guardPath:  guardPath,
		workers:    make(map[int]*workerProc),
		onSolution: onSolution,
	}
}

// AllRise performs startup (spec.md §4.3's init + all_rise): it kills any
// workers left by a crashed previous session, writes a fresh guard
// record, forks N workers, and waits for all of them to report ready.
// It returns a fatal error — never panics — if any step fails; the
// caller (the Engine) exits non-zero on failure per spec.md §7.
func (p *Pool) AllRise() error {
	prev, err := LoadGuardFile(p.guardPath)
	if err != nil {
		return fmt.Errorf("all_rise: %w", err)
	}
	if len(prev.Workers) > 0 {
		KillRecordedWorkers(prev)
	}

	p.mu.Lock()
	p.guard = GuardFile{SessionID: newSessionID(), Timestamp: nowUnix()}
	if err := p.guard.Save(p.guardPath); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("all_rise: write guard file: %w", err)
	}
	p.mu.Unlock()

	ready := make(chan struct{}, p.n)
	for i := 0; i < p.n; i++ {
		if err := p.spawn(ready); err != nil {
			return fmt.Errorf("all_rise: spawn worker %d: %w", i, err)
		}
	}

	deadline := time.After(readyTimeout)
	for i := 0; i < p.n; i++ {
		select {
		case <-ready:
		case <-deadline:
			return fmt.Errorf("all_rise: only %d/%d workers became ready within %s", i, p.n, readyTimeout)
		}
	}
	return nil
}

func (p *Pool) spawn(ready chan<- struct{}) error {
	cmd := exec.Command(p.binary, p.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	wp := &workerProc{
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		status:      StatusStarting,
		outstanding: make(map[string]time.Time),
	}
	wp.pid = cmd.Process.Pid

	p.mu.Lock()
	p.workers[wp.pid] = wp
	p.guard.Workers = append(p.guard.Workers, WorkerRecord{PID: wp.pid})
	guardSnapshot := p.guard
	guardPath := p.guardPath
	p.mu.Unlock()
	if err := guardSnapshot.Save(guardPath); err != nil {
		log.Printf("[worker] guard save after spawn failed: %v", err)
	}

	go p.readLoop(wp, ready)

	id := p.nextMsgID(wp.pid)
	wp.mu.Lock()
	wp.outstanding[id] = time.Now()
	wp.mu.Unlock()
	if err := WriteMessage(wp.stdin, Message{ID: id, Kind: KindHeartbeat}); err != nil {
		log.Printf("[worker] pid %d: initial heartbeat ping failed: %v", wp.pid, err)
	}
	return nil
}

func (p *Pool) readLoop(wp *workerProc, ready chan<- struct{}) {
	reportedReady := false
	for {
		msg, err := ReadMessage(wp.stdout)
		if err != nil {
			p.handleExit(wp)
			return
		}
		wp.mu.Lock()
		delete(wp.outstanding, msg.ID)
		wp.lastHeartbeat = time.Now()
		if wp.status == StatusStarting {
			wp.status = StatusReady
		}
		wp.mu.Unlock()

		switch msg.Kind {
		case KindHeartbeat:
			if !reportedReady {
				reportedReady = true
				ready <- struct{}{}
			}
		case KindSolution:
			if p.onSolution != nil {
				p.onSolution(msg.Solution, msg.Iterations, msg.TimeDiffNs)
			}
		case KindError:
			log.Printf("[worker] pid %d reported error: %s", wp.pid, msg.ErrText)
		}
	}
}

func (p *Pool) handleExit(wp *workerProc) {
	wp.mu.Lock()
	wp.status = StatusDead
	wp.mu.Unlock()

	p.mu.Lock()
	_, live := p.workers[wp.pid]
	delete(p.workers, wp.pid)
	p.mu.Unlock()
	if !live {
		// Dismissed by the pool: do not respawn.
		return
	}

	now := time.Now()
	wp.mu.Lock()
	wp.respawns = append(wp.respawns, now)
	cutoff := now.Add(-respawnWindow)
	var recent []time.Time
	for _, t := range wp.respawns {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	wp.respawns = recent
	tooMany := len(recent) > respawnLimit
	wp.mu.Unlock()

	if tooMany {
		log.Printf("[worker] pid %d exceeded %d respawns in %s; escalating to pool failure", wp.pid, respawnLimit, respawnWindow)
		p.mu.Lock()
		onFatal := p.onFatal
		p.mu.Unlock()
		if onFatal != nil {
			onFatal(fmt.Errorf("worker pid %d: %d respawns within %s", wp.pid, respawnLimit, respawnWindow))
		}
		return
	}
	log.Printf("[worker] pid %d exited; respawning", wp.pid)
	if err := p.spawn(make(chan struct{}, 1)); err != nil {
		log.Printf("[worker] respawn failed: %v", err)
	}
}

// SendWork dispatches a mining assignment to every ready worker.
func (p *Pool) SendWork(prev *core.Block, headers map[string][]core.ChildHeader, difficulty *uint256.Int, minerKey string) {
	p.mu.Lock()
	workers := make([]*workerProc, 0, len(p.workers))
	for _, wp := range p.workers {
		workers = append(workers, wp)
	}
	p.mu.Unlock()

	for _, wp := range workers {
		id := p.nextMsgID(wp.pid)
		wp.mu.Lock()
		wp.outstanding[id] = time.Now()
		wp.status = StatusBusy
		wp.mu.Unlock()
		msg := Message{
			ID:            id,
			Kind:          KindWork,
			PreviousBlock: prev,
			Headers:       headers,
			Difficulty:    difficulty,
			MinerKey:      minerKey,
		}
		if err := WriteMessage(wp.stdin, msg); err != nil {
			log.Printf("[worker] pid %d: send work failed: %v", wp.pid, err)
		}
	}
}

// Abort sends an abort message to every worker. It does not wait for an
// acknowledgement, and it does not kill a worker that keeps running.
func (p *Pool) Abort() {
	p.mu.Lock()
	workers := make([]*workerProc, 0, len(p.workers))
	for _, wp := range p.workers {
		workers = append(workers, wp)
	}
	p.mu.Unlock()

	for _, wp := range workers {
		id := p.nextMsgID(wp.pid)
		if err := WriteMessage(wp.stdin, Message{ID: id, Kind: KindAbort}); err != nil {
			log.Printf("[worker] pid %d: abort send failed: %v", wp.pid, err)
		}
	}
}

// HealthCheck compares the guard's recorded workers against the live set
// and reports whether they diverge (spec.md §4.3).
func (p *Pool) HealthCheck() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.guard.Workers) != len(p.workers) {
		return false
	}
	for _, rec := range p.guard.Workers {
		if _, ok := p.workers[rec.PID]; !ok {
			return false
		}
	}
	for pid, wp := range p.workers {
		wp.mu.Lock()
		missed := time.Since(wp.lastHeartbeat) > heartbeatMissThreshold && wp.status != StatusStarting
		wp.mu.Unlock()
		if missed {
			log.Printf("[worker] pid %d missed heartbeat window", pid)
			return false
		}
	}
	return true
}

// Dismiss kills every worker and clears the pool. Idempotent.
func (p *Pool) Dismiss() {
	p.mu.Lock()
	workers := make([]*workerProc, 0, len(p.workers))
	for _, wp := range p.workers {
		workers = append(workers, wp)
	}
	p.workers = make(map[int]*workerProc)
	p.guard = GuardFile{}
	guardPath := p.guardPath
	p.mu.Unlock()

	for _, wp := range workers {
		_ = wp.stdin.Close()
		if wp.cmd.Process != nil {
			_ = wp.cmd.Process.Kill()
		}
	}
	if err := (GuardFile{}).Save(guardPath); err != nil {
		log.Printf("[worker] guard clear on dismiss failed: %v", err)
	}
}

func (p *Pool) nextMsgID(pid int) string {
	return fmt.Sprintf("%d@%s", pid, hex.EncodeToString(fastrand.Bytes(16)))
}

func newSessionID() string {
	return hex.EncodeToString(fastrand.Bytes(32))
}

func nowUnix() int64 {
	return time.Now().Unix()
}
