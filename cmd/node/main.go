// Command node starts a multiverse chain node.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/tolelom/multiverse/blockpool"
	"github.com/tolelom/multiverse/config"
	"github.com/tolelom/multiverse/core"
	"github.com/tolelom/multiverse/crypto/certgen"
	"github.com/tolelom/multiverse/engine"
	"github.com/tolelom/multiverse/events"
	"github.com/tolelom/multiverse/identity"
	"github.com/tolelom/multiverse/multiverse"
	"github.com/tolelom/multiverse/network"
	"github.com/tolelom/multiverse/peerbook"
	"github.com/tolelom/multiverse/persistence"
	"github.com/tolelom/multiverse/protocol"
	"github.com/tolelom/multiverse/worker"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "node.key", "path to identity keystore file")
	genKey := flag.Bool("genkey", false, "generate a new node identity and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	minerBinary := flag.String("miner-binary", "", "path to the miner child process binary (defaults to a 'miner' binary next to this one)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("MULTIVERSE_PASSWORD")
	if password == "" {
		log.Println("WARNING: MULTIVERSE_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		id, err := identity.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := id.Save(*keyPath, password); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated identity. Peer ID: %s\nMiner key: %s\n", id.PeerID(), id.MinerKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		if err := certgen.GenerateAll(*genCerts, cfg.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfg.NodeID)
		return
	}

	// ---- load node identity ----
	id, err := identity.Load(*keyPath, password)
	if err != nil {
		log.Fatalf("load identity: %v", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := persistence.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	store := persistence.NewFacade(db)

	// No rover collaborator is wired up (out of scope); with a nil
	// RoverValidator every rovered-header check fails closed, whether or
	// not the block carries child headers.
	mv := multiverse.New(store, nil, multiverse.Config{})

	// ---- genesis block (if fresh chain) ----
	if _, ok := mv.GetHighest(); !ok {
		genesis := config.CreateGenesisBlock(cfg, id.MinerKey())
		if !mv.AddNextBlock(genesis) {
			log.Fatal("failed to commit genesis block")
		}
		log.Printf("Genesis block committed: %s", genesis.Hash)
	}

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- peer book & block pool ----
	book := peerbook.New(store, cfg.QuorumSize, cfg.LowHealthNet)
	pool := blockpool.New(store)

	// ---- worker pool & engine ----
	// The pool's SolutionFunc needs the engine and the engine's health
	// check needs the pool, so the pool's callback forwards to eng, which
	// is assigned before AllRise starts any worker.
	n := cfg.MaxWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	guardPath := filepath.Join(cfg.DataDir, "worker_guard.json")
	binary := *minerBinary
	if binary == "" {
		binary = minerBinaryNextToSelf()
	}
	engCfg := engine.Config{
		QuorumSize:   cfg.QuorumSize,
		LowHealthNet: cfg.LowHealthNet,
		MinerKey:     id.MinerKey(),
	}
	var eng *engine.Engine
	workers := worker.New(binary, nil, n, guardPath, func(b *core.Block, iterations, timeDiffNs int64) {
		eng.MiningSolution()(b, iterations, timeDiffNs)
	})
	eng = engine.New(engCfg, store, mv, book, pool, workers, emitter)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	listener := network.NewListener(p2pAddr, tlsCfg, func(raw *network.Conn) {
		serveConn(eng, raw)
	})
	if err := listener.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer listener.Stop()
	log.Printf("P2P listening on %s (peer id %s)", p2pAddr, id.PeerID())

	// ---- connect to seed peers ----
	for _, sp := range cfg.SeedPeers {
		conn, err := network.Dial(sp.ID, sp.Addr, tlsCfg)
		if err != nil {
			log.Printf("dial seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		if err := eng.OnPeerConnect(peerbook.Peer{ID: sp.ID, Multiaddr: sp.Addr}, conn); err != nil {
			log.Printf("connect seed peer %s: %v", sp.ID, err)
			conn.Close()
			continue
		}
		go serveConn(eng, conn)
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	// ---- start worker pool ----
	if err := eng.AllRise(); err != nil {
		log.Fatalf("worker pool init failed: %v", err)
	}
	log.Printf("Worker pool ready (%d workers, miner key %s)", n, id.MinerKey())

	// ---- engine loop ----
	done := make(chan struct{})
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(done) }()

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigCh:
		log.Println("Shutting down...")
		close(done)
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Printf("engine stopped: %v", err)
			exitCode = 1
		}
	}

	eng.Dismiss()
	if exitCode != 0 {
		// os.Exit skips deferred calls, so release them here.
		listener.Stop()
		db.Close()
		log.Println("Shutdown complete.")
		os.Exit(exitCode)
	}
	// Deferred calls run in LIFO: listener.Stop → db.Close
	log.Println("Shutdown complete.")
}

// serveConn registers raw with the engine and serves frames on it until
// the peer disconnects.
func serveConn(eng *engine.Engine, raw *network.Conn) {
	eng.RegisterConnection(raw)
	conn := protocol.NewConnection(raw, eng)
	conn.Serve()
	eng.OnPeerDisconnect(raw.ID())
}

func minerBinaryNextToSelf() string {
	self, err := os.Executable()
	if err != nil {
		return "miner"
	}
	return filepath.Join(filepath.Dir(self), "miner")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
