package turbine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/crypto"
	"github.com/tolelom/poh-quantum-node/scheduler"
)

// bufferTTL bounds how long an incomplete block's shreds are kept before
// being dropped; it tracks the slot length, after which a late
// or starved reconstruction is no longer useful to the validator.
const bufferTTL = 2 * time.Second

// forwardRatePerPeer caps how many shreds per second this node will relay
// to any single downstream peer, so one compromised or misbehaving uplink
// can't be used to flood a child with duplicate traffic.
const forwardRatePerPeer = 2000.0

// Sender abstracts the P2P layer a Propagator forwards shreds over.
type Sender interface {
	SendShred(peerID string, data []byte) error
}

// StakeSource supplies the current stake ranking used to (re)build the
// propagation tree; scheduler.Scheduler satisfies it via StakeRanked.
type StakeSource interface {
	StakeRanked() []scheduler.Record
}

type shredEnvelope struct {
	Producer string `json:"producer"`
	Shred    []byte `json:"shred"`
}

type bucket struct {
	shreds    map[uint32]Shred
	producer  crypto.PublicKey
	dataCount int
	created   time.Time
	done      bool
}

// Propagator implements builder.Propagator and the Turbine receive path:
// it shreds a locally built block across a stake-weighted tree, and for
// blocks received from peers it verifies, buffers, forwards to local
// children immediately, and reconstructs once enough shreds have arrived.
type Propagator struct {
	selfID string
	priv   crypto.PrivateKey
	pub    crypto.PublicKey
	stakes StakeSource
	sender Sender
	fanout int
	onFull func(*core.Block)

	mu       sync.Mutex
	buckets  map[[32]byte]*bucket
	limiters map[string]*rate.Limiter
}

// NewPropagator builds a Propagator for a node identified by selfID (its
// scheduler.Record.PublicKey), signing outgoing shreds with priv and
// invoking onBlock whenever a block is reconstructed from received shreds.
func NewPropagator(selfID string, priv crypto.PrivateKey, stakes StakeSource, sender Sender, fanout int, onBlock func(*core.Block)) *Propagator {
	return &Propagator{
		selfID:   selfID,
		priv:     priv,
		pub:      priv.Public(),
		stakes:   stakes,
		sender:   sender,
		fanout:   fanout,
		onFull:   onBlock,
		buckets:  make(map[[32]byte]*bucket),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *Propagator) tree(root string) *Tree {
	return BuildTree(p.stakes.StakeRanked(), root, p.fanout)
}

func (p *Propagator) limiterFor(peerID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[peerID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(forwardRatePerPeer), int(forwardRatePerPeer))
		p.limiters[peerID] = l
	}
	return l
}

func (p *Propagator) sendTo(peerID string, s Shred) {
	if peerID == p.selfID {
		return
	}
	if !p.limiterFor(peerID).Allow() {
		return
	}
	raw, err := s.MarshalBinary()
	if err != nil {
		return
	}
	env, err := json.Marshal(shredEnvelope{Producer: p.pub.Hex(), Shred: raw})
	if err != nil {
		return
	}
	_ = p.sender.SendShred(peerID, env)
}

// Propagate shreds block (this node is its producer) and sends each shred
// to the layer-1 validator responsible for it.
func (p *Propagator) Propagate(block *core.Block) error {
	shreds, err := ShredBlock(block, p.priv)
	if err != nil {
		return fmt.Errorf("turbine: shred block: %w", err)
	}
	tr := p.tree(block.Producer)
	for _, s := range shreds {
		parent, ok := tr.Layer1Of(s.BlockHash, s.Index)
		if !ok {
			continue
		}
		p.sendTo(parent.Address, s)
	}
	return nil
}

// HandleShred processes a shred envelope received from a peer: it verifies
// the producer's signature, buffers the shred, relays it along the tree's
// per-shred routes without waiting for the block to complete, and attempts
// reconstruction once enough shreds are present.
func (p *Propagator) HandleShred(_ string, payload []byte) error {
	var env shredEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("turbine: decode envelope: %w", err)
	}
	producer, err := crypto.PubKeyFromHex(env.Producer)
	if err != nil {
		return fmt.Errorf("turbine: producer key: %w", err)
	}
	var s Shred
	if err := s.UnmarshalBinary(env.Shred); err != nil {
		return fmt.Errorf("turbine: decode shred: %w", err)
	}
	if err := s.Verify(producer); err != nil {
		return fmt.Errorf("turbine: bad shred signature: %w", err)
	}

	p.mu.Lock()
	b, ok := p.buckets[s.BlockHash]
	if !ok {
		b = &bucket{shreds: make(map[uint32]Shred), producer: producer, created: time.Now()}
		p.buckets[s.BlockHash] = b
	}
	if _, dup := b.shreds[s.Index]; dup {
		p.mu.Unlock()
		return nil
	}
	b.shreds[s.Index] = s
	if s.IsData {
		b.dataCount++
	}
	done := b.done
	needData := int(s.TotalData)
	have := len(b.shreds)
	p.mu.Unlock()

	// Relay even after local reconstruction: downstream peers may still be
	// short of the threshold, and suppressing late shreds here would starve
	// them under asymmetric loss.
	tr := p.tree(env.Producer)
	for _, peer := range tr.ForwardTo(p.selfID, s.BlockHash, s.Index) {
		p.sendTo(peer.Address, s)
	}

	if done || have < needData {
		return nil
	}
	p.mu.Lock()
	b, ok = p.buckets[s.BlockHash]
	if !ok || b.done {
		p.mu.Unlock()
		return nil
	}
	all := make([]Shred, 0, len(b.shreds))
	for _, sh := range b.shreds {
		all = append(all, sh)
	}
	p.mu.Unlock()

	block, err := Reconstruct(all)
	if err != nil {
		return nil // not enough usable shards yet; keep waiting for more
	}
	p.mu.Lock()
	if b2, ok := p.buckets[s.BlockHash]; ok {
		b2.done = true
	}
	p.mu.Unlock()
	if p.onFull != nil {
		p.onFull(block)
	}
	return nil
}

// EvictStale drops buffered shreds for blocks that have sat incomplete
// longer than bufferTTL, so a starved reconstruction doesn't leak memory.
func (p *Propagator) EvictStale() {
	cutoff := time.Now().Add(-bufferTTL)
	p.mu.Lock()
	defer p.mu.Unlock()
	for hash, b := range p.buckets {
		if b.done || b.created.Before(cutoff) {
			delete(p.buckets, hash)
		}
	}
}

// Run periodically evicts stale buffers until stop is closed.
func (p *Propagator) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(bufferTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.EvictStale()
		case <-stop:
			return
		}
	}
}
