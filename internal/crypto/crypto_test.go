package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatalf("GenerateSeed: %v", err)
	}
	pub, priv, err := ExpandSeed(seed)
	if err != nil {
		t.Fatalf("ExpandSeed: %v", err)
	}
	msg := []byte("canonical payload bytes")
	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
}

func TestVerifyFailsOnTamperedMessage(t *testing.T) {
	seed, _ := GenerateSeed()
	pub, priv, _ := ExpandSeed(seed)
	sig := Sign(priv, []byte("original"))
	if Verify(pub, []byte("tampered"), sig) {
		t.Fatalf("expected verification to fail on tampered message")
	}
}

func TestVerifyFailsWithWrongKey(t *testing.T) {
	seedA, _ := GenerateSeed()
	_, privA, _ := ExpandSeed(seedA)
	seedB, _ := GenerateSeed()
	pubB, _, _ := ExpandSeed(seedB)
	sig := Sign(privA, []byte("hello"))
	if Verify(pubB, []byte("hello"), sig) {
		t.Fatalf("expected verification to fail against the wrong public key")
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	if Verify(nil, []byte("x"), nil) {
		t.Fatalf("expected verify to reject empty key/signature rather than panic")
	}
}

func TestLoadOrCreateSeedPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("identity file should not exist yet")
	}
	seed1, err := LoadOrCreateSeed(path)
	if err != nil {
		t.Fatalf("LoadOrCreateSeed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected identity file to be created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
	seed2, err := LoadOrCreateSeed(path)
	if err != nil {
		t.Fatalf("LoadOrCreateSeed reload: %v", err)
	}
	if !bytes.Equal(seed1, seed2) {
		t.Fatalf("expected reload to return the same seed")
	}
}

func TestLoadOrCreateSeedRejectsBadLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")
	if err := os.WriteFile(path, []byte("too-short"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadOrCreateSeed(path); err == nil {
		t.Fatalf("expected error for bad seed length")
	}
}
