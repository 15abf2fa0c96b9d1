package provenance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signer computes HMAC-SHA256 signatures over canonical commit payloads.
// Orgs with a dedicated key are signed with it; everyone else shares the
// deployment secret.
type Signer struct {
	secret  []byte
	orgKeys map[string][]byte
}

func NewSigner(secret string, orgKeys map[string]string) *Signer {
	keys := make(map[string][]byte, len(orgKeys))
	for org, key := range orgKeys {
		org = strings.TrimSpace(org)
		if org == "" || key == "" {
			continue
		}
		keys[org] = []byte(key)
	}
	return &Signer{secret: []byte(secret), orgKeys: keys}
}

func (s *Signer) Sign(orgID string, payload []byte) string {
	mac := hmac.New(sha256.New, s.keyFor(orgID))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(orgID string, payload []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.keyFor(orgID))
	_, _ = mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}

func (s *Signer) keyFor(orgID string) []byte {
	if key, ok := s.orgKeys[orgID]; ok {
		return key
	}
	return s.secret
}
