// Package vault seals and opens device secret material with AES-256-GCM.
// The sealing key is derived from the service master key via HKDF and kept
// in a guarded enclave; plaintext key bytes exist only for the duration of
// a single seal or open operation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// ErrDecryption is returned when sealed input fails authentication. It
// covers tampering, truncation and material sealed under a different key.
var ErrDecryption = errors.New("vault: decryption failed")

// MasterKeySize is the required master key length in bytes.
const MasterKeySize = 32

const sealKeyContext = "fleetrotate-seal-v1"

// Vault encrypts and decrypts device secrets at rest.
type Vault struct {
	key *memguard.Enclave
}

// New derives the sealing key from masterKey and returns a ready Vault.
// The caller's masterKey slice may be discarded afterwards.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	sealKey := make([]byte, MasterKeySize)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(sealKeyContext))
	if _, err := io.ReadFull(r, sealKey); err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}
	// NewEnclave wipes sealKey after copying it in.
	return &Vault{key: memguard.NewEnclave(sealKey)}, nil
}

// Seal encrypts plaintext. Output layout: nonce || ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	gcm, buf, err := v.openCipher()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	gcm, buf, err := v.openCipher()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	if len(sealed) < gcm.NonceSize() {
		return nil, ErrDecryption
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

func (v *Vault) openCipher() (cipher.AEAD, *memguard.LockedBuffer, error) {
	buf, err := v.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("opening seal key: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("creating GCM mode: %w", err)
	}
	return gcm, buf, nil
}
