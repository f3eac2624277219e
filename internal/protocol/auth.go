package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
)

// Signer builds EMX-style HMAC-SHA256 request signatures.
//
// message = timestamp + method + path [+ compact-json body]; secret is
// base64-decoded before keying HMAC; the signature is base64-encoded.
type Signer struct {
	APIKey string
	secret []byte
}

// NewSigner decodes the base64 API secret once at construction time.
func NewSigner(apiKey, secret string) (*Signer, error) {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, err
	}
	return &Signer{APIKey: apiKey, secret: decoded}, nil
}

// Sign computes the EMX-ACCESS-SIG value for a request. body may be nil for
// requests with no payload.
func (s *Signer) Sign(timestamp int64, method, path string, body any) string {
	bodyStr := ""
	if body != nil {
		if raw, err := json.Marshal(body); err == nil && string(raw) != "null" && string(raw) != "{}" {
			bodyStr = string(raw)
		}
	}

	message := strconv.FormatInt(timestamp, 10) + method + path + bodyStr

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	sig := mac.Sum(nil)

	return strings.TrimSpace(base64.StdEncoding.EncodeToString(sig))
}
