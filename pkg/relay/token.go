package relay

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

// ErrBadToken is returned for tokens that are malformed, forged, or
// expired.
var ErrBadToken = errors.New("invalid bearer token")

// TokenService issues and checks bearer tokens binding a request to
// an account id. Tokens are accountID|expiry signed with an HMAC, so
// the relay needs no session table.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService builds a service around the given secret. A zero
// ttl defaults to 24 hours.
func NewTokenService(secret []byte, ttl time.Duration) *TokenService {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{secret: secret, ttl: ttl}
}

// Issue mints a token for the account.
func (t *TokenService) Issue(accountID string) string {
	expiry := time.Now().Add(t.ttl).Unix()
	payload := fmt.Sprintf("%s|%d", accountID, expiry)
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + sig
}

// Validate checks a token and returns the account id it was issued
// for.
func (t *TokenService) Validate(token string) (string, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot < 0 {
		return "", ErrBadToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return "", ErrBadToken
	}
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(raw)
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(token[dot+1:])) {
		return "", ErrBadToken
	}
	payload := string(raw)
	bar := strings.LastIndexByte(payload, '|')
	if bar < 0 {
		return "", ErrBadToken
	}
	expiry, err := strconv.ParseInt(payload[bar+1:], 10, 64)
	if err != nil || time.Now().Unix() > expiry {
		return "", ErrBadToken
	}
	return payload[:bar], nil
}
