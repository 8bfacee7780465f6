package auth

import (
	"strings"
	"testing"
)

func TestNewDeviceToken(t *testing.T) {
	plaintext, hash, err := NewDeviceToken()
	if err != nil {
		t.Fatalf("NewDeviceToken failed: %v", err)
	}
	if !strings.HasPrefix(plaintext, "frd_") {
		t.Errorf("token %q missing prefix", plaintext)
	}
	if hash != HashToken(plaintext) {
		t.Error("returned hash does not match HashToken of plaintext")
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(hash))
	}
}

func TestNewDeviceTokenUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		plaintext, _, err := NewDeviceToken()
		if err != nil {
			t.Fatalf("NewDeviceToken failed: %v", err)
		}
		if seen[plaintext] {
			t.Fatal("duplicate token generated")
		}
		seen[plaintext] = true
	}
}

func TestEqual(t *testing.T) {
	if !Equal("frd_abc", "frd_abc") {
		t.Error("identical tokens compare unequal")
	}
	if Equal("frd_abc", "frd_abd") {
		t.Error("different tokens compare equal")
	}
	if Equal("frd_abc", "") {
		t.Error("empty token compares equal")
	}
}
