package turbine

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/tolelom/poh-quantum-node/scheduler"
)

// defaultFanout bounds the size of the first retransmission layer below the
// block producer. Solana's Turbine uses the same idea: keep each layer
// small enough that a single link never has to carry the whole block.
const defaultFanout = 200

// Tree is a stake-ordered propagation tree rooted at a block's producer.
// Layer 1 holds up to fanout validators ranked by stake; every other
// registered validator is a layer-2 leaf assigned to exactly one layer-1
// parent. Each shred is sent by the producer to exactly one layer-1
// validator, picked by a deterministic hash of the block hash and shred
// index, so the producer's upstream cost is the block bytes exactly once.
// That designated retransmitter relays the shred across to its layer-1
// siblings and down to its own leaves; the siblings relay only downward.
// Every validator therefore sees every shred after at most three hops,
// and every honest node computes the same routes without exchanging
// routing state.
type Tree struct {
	root   string
	fanout int
	layer1 []scheduler.Record
	leaves map[string][]scheduler.Record // layer-1 pubkey -> its layer-2 children
}

// BuildTree ranks the given validators by stake and splits them into a
// layer-1 retransmission set (capped at fanout) plus layer-2 leaves, each
// leaf deterministically bound to one layer-1 parent. root is excluded from
// both layers since it is the block's producer, already at layer 0.
func BuildTree(ranked []scheduler.Record, root string, fanout int) *Tree {
	if fanout <= 0 {
		fanout = defaultFanout
	}
	rest := make([]scheduler.Record, 0, len(ranked))
	for _, r := range ranked {
		if r.PublicKey == root {
			continue
		}
		rest = append(rest, r)
	}

	t := &Tree{root: root, fanout: fanout, leaves: make(map[string][]scheduler.Record)}
	if len(rest) == 0 {
		return t
	}
	cut := fanout
	if cut > len(rest) {
		cut = len(rest)
	}
	t.layer1 = append([]scheduler.Record{}, rest[:cut]...)
	for _, parent := range t.layer1 {
		t.leaves[parent.PublicKey] = nil
	}
	for _, leaf := range rest[cut:] {
		parent := t.layer1[xxhash.Sum64String(leaf.PublicKey)%uint64(len(t.layer1))]
		t.leaves[parent.PublicKey] = append(t.leaves[parent.PublicKey], leaf)
	}
	for _, children := range t.leaves {
		sort.Slice(children, func(i, j int) bool { return children[i].PublicKey < children[j].PublicKey })
	}
	return t
}

// Layer1Of returns the layer-1 validator responsible for retransmitting the
// shred at index for blockHash, chosen deterministically so every node
// agrees on who forwards it without a coordination round.
func (t *Tree) Layer1Of(blockHash [32]byte, index uint32) (scheduler.Record, bool) {
	if len(t.layer1) == 0 {
		return scheduler.Record{}, false
	}
	var buf [36]byte
	copy(buf[:32], blockHash[:])
	buf[32] = byte(index)
	buf[33] = byte(index >> 8)
	buf[34] = byte(index >> 16)
	buf[35] = byte(index >> 24)
	h := xxhash.Sum64(buf[:])
	return t.layer1[h%uint64(len(t.layer1))], true
}

// ChildrenOf returns pubkey's structural children: the full layer-1 set
// for the root, a layer-1 validator's own layer-2 leaves otherwise. Use
// ForwardTo for per-shred routing; this only describes the tree's shape.
func (t *Tree) ChildrenOf(pubkey string) []scheduler.Record {
	if pubkey == t.root {
		return t.layer1
	}
	return t.leaves[pubkey]
}

// ForwardTo returns the peers self must relay the shred at (blockHash,
// index) to. The shred's designated layer-1 retransmitter forwards it to
// every other layer-1 validator and to its own leaves; any other layer-1
// validator forwards only to its own leaves; leaves forward to no one. The
// sibling relay is what lets every subtree accumulate the complete shred
// set even though the producer sends each shred to a single layer-1 node.
func (t *Tree) ForwardTo(self string, blockHash [32]byte, index uint32) []scheduler.Record {
	if self == t.root {
		if designated, ok := t.Layer1Of(blockHash, index); ok {
			return []scheduler.Record{designated}
		}
		return nil
	}
	if !t.IsLayer1(self) {
		return nil
	}
	designated, ok := t.Layer1Of(blockHash, index)
	if !ok {
		return nil
	}
	out := make([]scheduler.Record, 0, len(t.layer1)+len(t.leaves[self]))
	if designated.PublicKey == self {
		for _, sib := range t.layer1 {
			if sib.PublicKey != self {
				out = append(out, sib)
			}
		}
	}
	return append(out, t.leaves[self]...)
}

// IsLayer1 reports whether pubkey is one of this tree's retransmitters.
func (t *Tree) IsLayer1(pubkey string) bool {
	_, ok := t.leaves[pubkey]
	return ok
}
