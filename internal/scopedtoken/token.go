// Package scopedtoken mints and verifies bearer tokens that delegate a
// subset of an API key's tools. A token embeds the key, the allowed
// tools and an expiry, signed with HMAC-SHA256 so it can be verified
// without storage.
package scopedtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Prefix marks a scoped token in an Authorization header; bearer values
// without it are treated as raw API keys.
const Prefix = "sct_"

// DefaultTTL applies when neither the mint call nor the issuer config
// picks a lifetime.
const DefaultTTL = time.Hour

var (
	ErrNoSecret     = errors.New("scoped token secret is not configured")
	ErrMalformed    = errors.New("scoped token is malformed")
	ErrBadSignature = errors.New("scoped token signature mismatch")
	ErrExpired      = errors.New("scoped token expired")
)

// Claims is the signed token payload.
type Claims struct {
	Key   string   `json:"key"`
	Tools []string `json:"tools"`
	Exp   int64    `json:"exp"`
}

// ExpiresAt returns the expiry as a time.
func (c *Claims) ExpiresAt() time.Time { return time.Unix(c.Exp, 0).UTC() }

// Issuer signs and verifies scoped tokens with a shared secret.
type Issuer struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
}

// NewIssuer builds an issuer. The secret must be non-empty; ttl <= 0
// falls back to DefaultTTL.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), defaultTTL: ttl, now: time.Now}, nil
}

// Mint issues a token delegating the given tools of key. ttl <= 0 uses
// the issuer default.
func (i *Issuer) Mint(key string, tools []string, ttl time.Duration) (string, error) {
	if key == "" {
		return "", ErrMalformed
	}
	if ttl <= 0 {
		ttl = i.defaultTTL
	}
	claims := Claims{
		Key:   key,
		Tools: tools,
		Exp:   i.now().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(payload) +
		"." + base64.RawURLEncoding.EncodeToString(i.sign(payload)), nil
}

// Verify checks the signature and expiry and returns the claims.
func (i *Issuer) Verify(token string) (*Claims, error) {
	body, ok := strings.CutPrefix(token, Prefix)
	if !ok {
		return nil, ErrMalformed
	}
	payloadB64, sigB64, ok := strings.Cut(body, ".")
	if !ok {
		return nil, ErrMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, ErrMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, ErrMalformed
	}
	if !hmac.Equal(sig, i.sign(payload)) {
		return nil, ErrBadSignature
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformed
	}
	if claims.Key == "" {
		return nil, ErrMalformed
	}
	if i.now().Unix() >= claims.Exp {
		return nil, ErrExpired
	}
	return &claims, nil
}

func (i *Issuer) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// IsToken reports whether a bearer value looks like a scoped token.
func IsToken(s string) bool { return strings.HasPrefix(s, Prefix) }
