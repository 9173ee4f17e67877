package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Static token errors.
var (
	ErrTokenMalformed = errors.New("access token is malformed")
	ErrTokenExpired   = errors.New("access token has expired")
	ErrTokenInvalid   = errors.New("access token signature does not match")
)

// signer issues and verifies the time-limited access handles the gateway
// hands out for direct blob access. A handle covers exactly one method and
// one key; tampering with either invalidates the signature.
type signer struct {
	secret []byte
}

func newSigner(secret string) *signer {
	return &signer{secret: []byte(secret)}
}

// Sign returns a handle for method on key, valid until expiresAt.
func (s *signer) Sign(method, key string, expiresAt time.Time) string {
	expiry := strconv.FormatInt(expiresAt.Unix(), 10)

	return expiry + "." + s.signature(method, key, expiry)
}

// Verify checks a handle against the method and key it is being spent on.
func (s *signer) Verify(method, key, token string) error {
	expiry, signature, found := strings.Cut(token, ".")
	if !found || expiry == "" || signature == "" {
		return ErrTokenMalformed
	}

	expiresAt, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad expiry", ErrTokenMalformed)
	}

	if time.Now().Unix() > expiresAt {
		return ErrTokenExpired
	}

	expected := s.signature(method, key, expiry)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrTokenInvalid
	}

	return nil
}

func (s *signer) signature(method, key, expiry string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(method + "\n" + key + "\n" + expiry))

	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
