package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sealer computes and verifies HMAC-SHA256 integrity hashes over
// canonicalised records.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer with the given integrity key. Key
// presence is validated by the configuration loader before this is
// reached.
func NewSealer(key []byte) *Sealer {
	return &Sealer{key: key}
}

// Seal returns the hex-encoded HMAC of the record's canonical bytes.
func (s *Sealer) Seal(record map[string]interface{}) (string, error) {
	canonical, err := Canonicalize(record)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the record's hash and compares it to the expected
// value in constant time.
func (s *Sealer) Verify(record map[string]interface{}, expectedHash string) (bool, error) {
	actual, err := s.Seal(record)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expectedHash)) == 1, nil
}
