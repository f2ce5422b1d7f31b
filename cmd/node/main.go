// Command node starts a permissionless chain validator/producer node.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tolelom/poh-quantum-node/builder"
	"github.com/tolelom/poh-quantum-node/config"
	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/crypto/certgen"
	"github.com/tolelom/poh-quantum-node/events"
	"github.com/tolelom/poh-quantum-node/executor"
	"github.com/tolelom/poh-quantum-node/network"
	"github.com/tolelom/poh-quantum-node/rpc"
	"github.com/tolelom/poh-quantum-node/scheduler"
	"github.com/tolelom/poh-quantum-node/storage"
	"github.com/tolelom/poh-quantum-node/turbine"
	"github.com/tolelom/poh-quantum-node/validator"
	"github.com/tolelom/poh-quantum-node/wallet"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		log.Println("WARNING: TOL_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load validator key ----
	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}
	pubHex := privKey.Public().Hex()

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	blockStore := storage.NewLevelBlockStore(db)
	state := storage.NewStateDB(db) // reuse same DB with different key prefixes

	// ---- initialise blockchain ----
	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		log.Fatalf("blockchain init: %v", err)
	}

	genesisTime := time.Unix(0, 0)
	if bc.Tip() == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, state, privKey)
		if err != nil {
			log.Fatalf("genesis: %v", err)
		}
		if err := bc.AddBlock(genesisBlock); err != nil {
			log.Fatalf("add genesis: %v", err)
		}
		genesisTime = time.Unix(0, genesisBlock.Timestamp)
		hash, _ := genesisBlock.Hash()
		log.Printf("Genesis block committed: %x", hash)
	} else if genesisBlock, err := bc.GetBlockByHeight(0); err == nil {
		genesisTime = time.Unix(0, genesisBlock.Timestamp)
	}

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- mempool ----
	mempool := core.NewMempool()

	// ---- executor ----
	exec := executor.NewExecutor(state, executor.DefaultRegistry(), emitter)

	// ---- leader scheduler ----
	epochSeed := sha256.Sum256([]byte(cfg.Genesis.ChainID))
	sched := scheduler.NewScheduler(cfg.Consensus.SchedulerConfig(), epochSeed, genesisTime)
	now := time.Now()
	for _, v := range cfg.Validators {
		// Address doubles as the P2P peer ID the Turbine tree sends shreds
		// to; this config format assumes node IDs are the validator's own
		// pubkey hex, which NewNode/AddPeer are free to use as their ID.
		sched.UpsertValidator(scheduler.Record{
			PublicKey:  v,
			Address:    v,
			Stake:      1,
			Uptime:     1,
			LastSeen:   now,
			Throughput: 1,
		})
	}

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
	node := network.NewNode(cfg.NodeID, p2pAddr, mempool, tlsCfg)

	// ---- vote aggregation + validation pipeline ----
	agg := validator.NewAggregator(sched, emitter)
	pend := validator.NewPending(state, bc, mempool)
	agg.SetOnFinalized(func(block *core.Block) {
		if err := pend.CommitFinalized(block); err != nil {
			log.Printf("[main] commit finalized block %d: %v", block.Height, err)
		}
	})
	broadcastVote := func(vote core.Vote) {
		data, err := vote.MarshalBinary()
		if err != nil {
			log.Printf("[main] marshal vote: %v", err)
			return
		}
		node.BroadcastVote(data)
	}
	val := validator.New(bc, sched, exec, state, pend, emitter, privKey, agg, broadcastVote)

	// ---- turbine propagation ----
	prop := turbine.NewPropagator(pubHex, privKey, sched, node, cfg.Consensus.TurbineFanout, func(block *core.Block) {
		if err := val.ProcessBlock(context.Background(), block); err != nil {
			log.Printf("[main] process reconstructed block: %v", err)
		}
	})
	node.RegisterShredHandler(prop.HandleShred)
	node.RegisterVoteHandler(func(_ string, payload []byte) error {
		var vote core.Vote
		if err := vote.UnmarshalBinary(payload); err != nil {
			return fmt.Errorf("decode vote: %w", err)
		}
		agg.AddVote(vote)
		return nil
	})

	// ---- block builder (active only on this node's leader slots) ----
	b := builder.New(mempool, bc, sched, exec, state, pend, prop, emitter, agg, privKey, broadcastVote)
	b.SetMaxBlockTxs(cfg.MaxBlockTxs)

	// ---- catch-up sync ----
	syncer := network.NewSyncer(node, bc, val)

	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	// ---- connect to seed peers ----
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		if peer := node.Peer(sp.ID); peer != nil {
			if err := syncer.RequestBlocks(peer, bc.Height()+1); err != nil {
				log.Printf("request blocks from %s: %v", sp.ID, err)
			}
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(bc, mempool, state, sched, agg, cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- consensus loop ----
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runConsensusLoop(cfg, sched, b, mempool, prop, pend, done)
	}()
	log.Printf("Consensus running (validator: %s)", pubHex)

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop the consensus loop first (no new blocks written).
	close(done)
	wg.Wait()

	// 2. Deferred calls run in LIFO: rpcServer.Stop → node.Stop → db.Close
	log.Println("Shutdown complete.")
}

// runConsensusLoop ticks the slot clock at a quarter of the slot duration,
// building a block whenever the local node is the scheduled leader and
// running periodic maintenance (schedule coverage, mempool/shred eviction)
// every tick regardless of leadership.
func runConsensusLoop(cfg *config.Config, sched *scheduler.Scheduler, b *builder.Builder, mempool *core.Mempool, prop *turbine.Propagator, pend *validator.Pending, done <-chan struct{}) {
	interval := cfg.Consensus.SlotDuration() / 4
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			slot, _ := sched.CurrentSlot(now)
			if err := sched.EnsureCoverage(slot); err != nil {
				log.Printf("[consensus] ensure coverage for slot %d: %v", slot, err)
				continue
			}
			mempool.EvictOlderThan(slot)
			prop.EvictStale()
			pend.AbandonBefore(slot)

			block, err := b.BuildSlot(context.Background(), slot, now)
			if err != nil {
				log.Printf("[consensus] slot %d: %v", slot, err)
				continue
			}
			if block != nil {
				log.Printf("[consensus] built block %d for slot %d (%d txs)", block.Height, slot, len(block.Transactions))
			}
		}
	}
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
