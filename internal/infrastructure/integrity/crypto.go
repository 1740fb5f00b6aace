package integrity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"sort"
	"sync"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

const keySize = 32 // AES-256

// Encryptor seals sensitive payloads with AES-256-GCM. Keys live in a
// ring indexed by key ID: new writes use the current key, reads resolve
// the key recorded with the ciphertext, so rotation never breaks old
// entries.
type Encryptor struct {
	mu        sync.RWMutex
	keys      map[string][]byte
	currentID string
}

// NewEncryptor builds an encryptor from a key ring of base64-encoded
// 256-bit keys. The lexicographically highest key ID becomes the
// current write key.
func NewEncryptor(keyRing map[string]string) (*Encryptor, error) {
	if len(keyRing) == 0 {
		return nil, errors.NewValidationError("EMPTY_KEY_RING",
			"at least one encryption key is required")
	}

	keys := make(map[string][]byte, len(keyRing))
	ids := make([]string, 0, len(keyRing))
	for id, encoded := range keyRing {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.NewEncryptionError("key ring entry is not valid base64").WithCause(err)
		}
		if len(key) != keySize {
			return nil, errors.NewEncryptionError("encryption keys must be 256 bits")
		}
		keys[id] = key
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Encryptor{
		keys:      keys,
		currentID: ids[len(ids)-1],
	}, nil
}

// RotateIn adds a new key and makes it the current write key.
func (e *Encryptor) RotateIn(keyID string, encoded string) error {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errors.NewEncryptionError("rotated key is not valid base64").WithCause(err)
	}
	if len(key) != keySize {
		return errors.NewEncryptionError("encryption keys must be 256 bits")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys[keyID] = key
	e.currentID = keyID
	return nil
}

// CurrentKeyID returns the ID of the current write key.
func (e *Encryptor) CurrentKeyID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentID
}

// Encrypt seals plaintext with the current key. The nonce is generated
// per call and prepended to the ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) (ciphertext []byte, keyID string, err error) {
	e.mu.RLock()
	keyID = e.currentID
	key := e.keys[keyID]
	e.mu.RUnlock()

	aead, err := newAEAD(key)
	if err != nil {
		return nil, "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", errors.NewEncryptionError("nonce generation failed").WithCause(err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, keyID, nil
}

// Decrypt opens ciphertext using the key recorded at encryption time.
func (e *Encryptor) Decrypt(ciphertext []byte, keyID string) ([]byte, error) {
	e.mu.RLock()
	key, ok := e.keys[keyID]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.NewEncryptionError("unknown encryption key ID")
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.NewEncryptionError("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.NewEncryptionError("ciphertext authentication failed").WithCause(err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewEncryptionError("cipher initialization failed").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewEncryptionError("GCM initialization failed").WithCause(err)
	}
	return aead, nil
}
