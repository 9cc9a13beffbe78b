// Package cipher implements the symmetric-cipher black box spec.md §1
// treats as an external collaborator: encrypt(text)->text and
// decrypt(text)->text. Keys are HKDF-derived from handshake key material
// and held in a memguard.LockedBuffer for the lifetime of the session.
package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
	hkdfInfo  = "reliabletransport/session-key/v1"
)

// ErrDecrypt is returned when ciphertext fails to authenticate.
var ErrDecrypt = errors.New("cipher: decryption failed")

// Manager is the encrypt/decrypt black box for one session.
type Manager struct {
	key *memguard.LockedBuffer
}

// NewManager derives a fresh session key from random material and
// returns both the Manager and the opaque key material to carry in the
// handshake so the peer can derive the same key.
func NewManager() (*Manager, string, error) {
	secret := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, "", fmt.Errorf("cipher: generate key: %w", err)
	}
	m, err := FromKeyMaterial(secret)
	if err != nil {
		return nil, "", err
	}
	return m, base64.StdEncoding.EncodeToString(secret), nil
}

// FromKeyMaterial derives a session key from raw key material (e.g. the
// base64-decoded handshake encryption_key field) via HKDF-SHA256.
func FromKeyMaterial(material []byte) (*Manager, error) {
	derived := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, material, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("cipher: derive key: %w", err)
	}
	buf := memguard.NewBufferFromBytes(derived)
	return &Manager{key: buf}, nil
}

// FromKeyMaterialString decodes base64 key material as sent over the
// wire and derives a Manager from it.
func FromKeyMaterialString(encoded string) (*Manager, error) {
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("cipher: decode key material: %w", err)
	}
	return FromKeyMaterial(material)
}

// Destroy wipes the session key from memory. Safe to call more than once.
func (m *Manager) Destroy() {
	if m.key != nil {
		m.key.Destroy()
	}
}

func (m *Manager) keyArray() *[keySize]byte {
	var k [keySize]byte
	copy(k[:], m.key.Bytes())
	return &k
}

// Encrypt seals text and returns a base64-encoded "nonce||ciphertext"
// string. Empty input yields "".
func (m *Manager) Encrypt(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("cipher: nonce: %w", err)
	}
	key := m.keyArray()
	sealed := secretbox.Seal(nonce[:], []byte(text), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a string produced by Encrypt. Empty input yields "".
func (m *Manager) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("cipher: decode: %w", err)
	}
	if len(raw) < nonceSize {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	key := m.keyArray()
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(opened), nil
}
