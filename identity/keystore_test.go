package identity

import (
	"path/filepath"
	"testing"
)

// TestSaveLoadRoundTrip verifies an identity survives an encrypted
// save/load cycle with the correct password.
func TestSaveLoadRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "node.key")
	if err := id.Save(path, "correct horse battery staple"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.MinerKey() != id.MinerKey() {
		t.Errorf("MinerKey mismatch: got %s want %s", loaded.MinerKey(), id.MinerKey())
	}
	if loaded.PeerID() != id.PeerID() {
		t.Errorf("PeerID mismatch: got %s want %s", loaded.PeerID(), id.PeerID())
	}
}

// TestLoadWrongPasswordFails verifies a wrong password is rejected
// rather than silently returning garbage key material.
func TestLoadWrongPasswordFails(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "node.key")
	if err := id.Save(path, "right password"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := Load(path, "wrong password"); err == nil {
		t.Error("expected Load with the wrong password to fail")
	}
}

// TestPeerIDAndMinerKeyDiffer verifies the two derived identifiers use
// distinct encodings (base58 digest vs hex public key) so they are never
// accidentally interchangeable.
func TestPeerIDAndMinerKeyDiffer(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if id.PeerID() == id.MinerKey() {
		t.Error("expected PeerID and MinerKey to use distinct encodings")
	}
	if len(id.MinerKey()) != 64 {
		t.Errorf("expected a 64-char hex miner key, got %d chars", len(id.MinerKey()))
	}
}
