package receipts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const signatureValidity = 365 * 24 * time.Hour

// Signer signs receipt payloads with HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates a new HMAC signer. If secret is empty, signing is disabled.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of the canonical JSON of p and the hex
// SHA-256 of the same bytes.
func (s *Signer) Sign(p any) (signature, hash string, err error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(data)
	return s.mac(data), hex.EncodeToString(sum[:]), nil
}

// Verify checks the HMAC-SHA256 signature of the canonical JSON of p.
func (s *Signer) Verify(p any, signature string) bool {
	if s == nil {
		return false
	}
	data, err := json.Marshal(p)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(s.mac(data)), []byte(signature))
}

func (s *Signer) mac(data []byte) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))
}
