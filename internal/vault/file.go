package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/veridegree/veridegree/internal/fsutil"
)

const saltSize = 16

// ErrDecrypt is returned when the vault cannot be opened with the passphrase.
var ErrDecrypt = errors.New("vault: decryption failed (wrong passphrase?)")

// deriveKey uses Argon2id to derive an AES-256 key from passphrase.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// File is a passphrase-encrypted store backed by one file:
// salt(16) + nonce(12) + AES-256-GCM(JSON map of credential id to value).
// Every write re-encrypts the whole map under a fresh nonce.
type File struct {
	path string
	salt []byte
	gcm  cipher.AEAD

	mu     sync.RWMutex
	values map[string]string // credential id -> exact rational, big.Rat.RatString form
}

// OpenFile opens the vault at path, creating an empty one if it does not exist.
func OpenFile(path, passphrase string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		f, err := newFile(path, passphrase, salt)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}

	if len(data) < saltSize+12 {
		return nil, fmt.Errorf("vault: file too short")
	}
	f, err := newFile(path, passphrase, data[:saltSize])
	if err != nil {
		return nil, err
	}

	nonceSize := f.gcm.NonceSize()
	nonce := data[saltSize : saltSize+nonceSize]
	plaintext, err := f.gcm.Open(nil, nonce, data[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if err := json.Unmarshal(plaintext, &f.values); err != nil {
		return nil, fmt.Errorf("failed to deserialize vault: %w", err)
	}
	if f.values == nil {
		f.values = make(map[string]string)
	}
	for id, s := range f.values {
		if _, ok := new(big.Rat).SetString(s); !ok {
			return nil, fmt.Errorf("vault: corrupt entry for %s", id)
		}
	}
	return f, nil
}

func newFile(path, passphrase string, salt []byte) (*File, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &File{
		path:   path,
		salt:   append([]byte(nil), salt...),
		gcm:    gcm,
		values: make(map[string]string),
	}, nil
}

// Put records a measurement and persists the vault.
func (f *File) Put(credentialID string, v *big.Rat) error {
	if credentialID == "" || v == nil {
		return fmt.Errorf("vault: credential id and value are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.values[credentialID]
	f.values[credentialID] = v.RatString()
	if err := f.save(); err != nil {
		if had {
			f.values[credentialID] = prev
		} else {
			delete(f.values, credentialID)
		}
		return err
	}
	return nil
}

// Delete removes a measurement and persists the vault.
func (f *File) Delete(credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.values[credentialID]
	if !had {
		return fmt.Errorf("%w: %s", ErrNotFound, credentialID)
	}
	delete(f.values, credentialID)
	if err := f.save(); err != nil {
		f.values[credentialID] = prev
		return err
	}
	return nil
}

// Credentials lists the credential ids with a stored measurement.
func (f *File) Credentials() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.values))
	for id := range f.values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Measurement implements Store.
func (f *File) Measurement(ctx context.Context, credentialID string) (*big.Rat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	s, ok := f.values[credentialID]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, credentialID)
	}
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("vault: corrupt entry for %s", credentialID)
	}
	return v, nil
}

// save must be called with f.mu held.
func (f *File) save() error {
	plaintext, err := json.Marshal(f.values)
	if err != nil {
		return fmt.Errorf("failed to serialize vault: %w", err)
	}

	nonce := make([]byte, f.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(f.salt)+len(nonce)+len(plaintext)+f.gcm.Overhead())
	out = append(out, f.salt...)
	out = append(out, nonce...)
	out = f.gcm.Seal(out, nonce, plaintext, nil)

	return fsutil.WriteFileAtomic(f.path, out, 0600)
}
