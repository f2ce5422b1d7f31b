package turbine

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/tolelom/poh-quantum-node/core"
	"github.com/tolelom/poh-quantum-node/crypto"
)

// testBlock builds a signed block big enough to span many data shreds.
func testBlock(t *testing.T, txCount int) (*core.Block, crypto.PrivateKey) {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	txs := make([]*core.Transaction, 0, txCount)
	for i := 0; i < txCount; i++ {
		tx := &core.Transaction{
			Sender:   pub.Hex(),
			Receiver: pub.Hex(),
			Amount:   uint64(i),
			Type:     core.TxTransfer,
		}
		if err := tx.Sign(priv); err != nil {
			t.Fatal(err)
		}
		txs = append(txs, tx)
	}
	block := core.NewBlock(1, [32]byte{1}, pub.Hex(), 1, 12345, txs)
	if err := block.Sign(priv); err != nil {
		t.Fatal(err)
	}
	return block, priv
}

// TestShredReconstructRoundTrip shreds a block and rebuilds it from the
// complete shred set, byte-exact.
func TestShredReconstructRoundTrip(t *testing.T) {
	block, priv := testBlock(t, 40)
	shreds, err := ShredBlock(block, priv)
	if err != nil {
		t.Fatalf("Shred: %v", err)
	}
	if int(shreds[0].TotalData) < 2 {
		t.Fatalf("test block should span multiple data shreds, got %d", shreds[0].TotalData)
	}

	got, err := Reconstruct(shreds)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}

	want, err := block.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := got.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(want, raw) {
		t.Fatal("reconstructed block bytes differ from the original")
	}
}

// TestReconstructSurvivesLoss drops shreds up to the recovery budget and
// still rebuilds the identical block, the 30%-loss tolerance Turbine
// promises.
func TestReconstructSurvivesLoss(t *testing.T) {
	block, priv := testBlock(t, 60)
	shreds, err := ShredBlock(block, priv)
	if err != nil {
		t.Fatal(err)
	}
	recovery := int(shreds[0].TotalRecovery)
	if recovery == 0 {
		t.Fatal("expected recovery shreds")
	}

	rng := rand.New(rand.NewSource(7))
	perm := rng.Perm(len(shreds))
	kept := make([]Shred, 0, len(shreds)-recovery)
	for _, i := range perm[recovery:] {
		kept = append(kept, shreds[i])
	}

	got, err := Reconstruct(kept)
	if err != nil {
		t.Fatalf("Reconstruct after dropping %d shreds: %v", recovery, err)
	}
	wantHash, _ := block.Hash()
	gotHash, _ := got.Hash()
	if wantHash != gotHash {
		t.Fatal("reconstructed block differs after loss")
	}
}

// TestReconstructBelowThresholdFails checks the boundary: one fewer shred
// than the data-shard count cannot reconstruct.
func TestReconstructBelowThresholdFails(t *testing.T) {
	block, priv := testBlock(t, 40)
	shreds, err := ShredBlock(block, priv)
	if err != nil {
		t.Fatal(err)
	}
	dataShards := int(shreds[0].TotalData)
	if _, err := Reconstruct(shreds[:dataShards-1]); err == nil {
		t.Fatalf("reconstruction with %d of %d required shreds should fail", dataShards-1, dataShards)
	}
	// Exactly the threshold suffices.
	if _, err := Reconstruct(shreds[:dataShards]); err != nil {
		t.Fatalf("reconstruction with exactly %d data shreds should succeed: %v", dataShards, err)
	}
}

// TestShredSignatureTamperDetected verifies a flipped payload byte breaks
// the producer signature.
func TestShredSignatureTamperDetected(t *testing.T) {
	block, priv := testBlock(t, 4)
	shreds, err := ShredBlock(block, priv)
	if err != nil {
		t.Fatal(err)
	}
	pub := priv.Public()
	if err := shreds[0].Verify(pub); err != nil {
		t.Fatalf("valid shred failed verification: %v", err)
	}
	shreds[0].Payload[3] ^= 1
	if err := shreds[0].Verify(pub); err == nil {
		t.Error("tampered shred should fail verification")
	}
}

// TestShredWireRoundTrip encodes and decodes a shred through the wire
// format.
func TestShredWireRoundTrip(t *testing.T) {
	block, priv := testBlock(t, 4)
	shreds, err := ShredBlock(block, priv)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range shreds[:2] {
		raw, err := s.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		var got Shred
		if err := got.UnmarshalBinary(raw); err != nil {
			t.Fatal(err)
		}
		if got != s {
			t.Fatal("shred changed across a wire round trip")
		}
	}
}
