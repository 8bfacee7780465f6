package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	v, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	secret := []byte("c29tZS1vYXV0aC1jbGllbnQtc2VjcmV0")
	sealed, err := v.Seal(secret)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, secret) {
		t.Error("sealed output contains plaintext")
	}

	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, secret) {
		t.Errorf("round trip mismatch: got %q, want %q", opened, secret)
	}
}

func TestSealIsNondeterministic(t *testing.T) {
	v, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	a, err := v.Seal([]byte("same input"))
	if err != nil {
		t.Fatalf("first Seal failed: %v", err)
	}
	b, err := v.Seal([]byte("same input"))
	if err != nil {
		t.Fatalf("second Seal failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext produced identical output")
	}
}

func TestOpenRejectsTampered(t *testing.T) {
	v, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sealed, err := v.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff

	if _, err := v.Open(sealed); !errors.Is(err, ErrDecryption) {
		t.Errorf("Open of tampered data: got %v, want ErrDecryption", err)
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	v, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, sealed := range [][]byte{nil, {}, {0x01, 0x02, 0x03}} {
		if _, err := v.Open(sealed); !errors.Is(err, ErrDecryption) {
			t.Errorf("Open of %d-byte input: got %v, want ErrDecryption", len(sealed), err)
		}
	}
}

func TestOpenRejectsForeignKey(t *testing.T) {
	v1, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	v2, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sealed, err := v1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := v2.Open(sealed); !errors.Is(err, ErrDecryption) {
		t.Errorf("Open under different key: got %v, want ErrDecryption", err)
	}
}

func TestNewRejectsBadKeySize(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33} {
		if _, err := New(make([]byte, n)); err == nil {
			t.Errorf("New accepted %d-byte master key", n)
		}
	}
}

func TestSameMasterKeyInterop(t *testing.T) {
	master := testKey(t)

	v1, err := New(master)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	v2, err := New(master)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sealed, err := v1.Seal([]byte("shared"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	opened, err := v2.Open(sealed)
	if err != nil {
		t.Fatalf("Open under same master key failed: %v", err)
	}
	if !bytes.Equal(opened, []byte("shared")) {
		t.Errorf("cross-instance open mismatch: got %q", opened)
	}
}
