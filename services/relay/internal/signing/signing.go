// Package signing mints the relay's own ID tokens and publishes the keys
// that verify them.
package signing

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Algorithm is the only signing algorithm the relay uses.
const Algorithm = "RS256"

// Config holds ID token signing configuration.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	KeyID          string        `mapstructure:"key_id"`
	TTL            time.Duration `mapstructure:"ttl"`
}

// Identity is what an ID token asserts about a user.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// Claims are the claims of a relay ID token. Email and name are present
// only when the provider supplied them.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Signer signs ID tokens. A nil *Signer means signing is disabled.
type Signer struct {
	key   *rsa.PrivateKey
	keyID string
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Signer from config. Without a key file a key is generated,
// which only suits a single development instance.
func New(cfg Config) (*Signer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var (
		key *rsa.PrivateKey
		err error
	)
	if cfg.PrivateKeyFile != "" {
		key, err = LoadPrivateKey(cfg.PrivateKeyFile)
	} else {
		key, err = GenerateKey()
	}
	if err != nil {
		return nil, err
	}

	return NewWithKey(key, cfg.KeyID, cfg.TTL)
}

// NewWithKey creates a Signer for an existing key. An empty keyID is derived
// from the public key.
func NewWithKey(key *rsa.PrivateKey, keyID string, ttl time.Duration) (*Signer, error) {
	if keyID == "" {
		fp, err := KeyFingerprint(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		keyID = fp
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{key: key, keyID: keyID, ttl: ttl, now: time.Now}, nil
}

// KeyID returns the key id placed in token headers.
func (s *Signer) KeyID() string {
	if s == nil {
		return ""
	}
	return s.keyID
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() *rsa.PublicKey {
	if s == nil {
		return nil
	}
	return &s.key.PublicKey
}

// SignIDToken signs an ID token for id, issued by issuer to audience.
func (s *Signer) SignIDToken(issuer, audience string, id Identity) (string, error) {
	if s == nil {
		return "", fmt.Errorf("signing is disabled")
	}
	if id.Subject == "" {
		return "", fmt.Errorf("id token needs a subject")
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   id.Subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Email: id.Email,
		Name:  id.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing id token: %w", err)
	}
	return signed, nil
}

// JWKS returns the public key set. Disabled signing yields an empty set.
func (s *Signer) JWKS() jose.JSONWebKeySet {
	if s == nil {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     s.keyID,
		Algorithm: Algorithm,
		Use:       "sig",
	}}}
}
