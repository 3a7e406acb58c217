package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is wrapped by every verification failure.
var ErrUnauthorized = errors.New("webhook signature invalid")

type bodyClaims struct {
	jwt.RegisteredClaims
	BodySHA256 string `json:"body_sha256"`
}

// Signer issues and checks bearer tokens bound to a request body.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSigner returns a signer for secret. issuer may be empty.
func NewSigner(secret []byte, issuer string) *Signer {
	return &Signer{secret: secret, issuer: issuer, now: time.Now}
}

// Sign returns a token for body valid for ttl.
func (s *Signer) Sign(body []byte, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("webhook secret not configured")
	}
	now := s.now()
	claims := bodyClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		BodySHA256: bodyHash(body),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks an Authorization header value against body.
func (s *Signer) Verify(authorization string, body []byte) error {
	if len(s.secret) == 0 {
		return fmt.Errorf("%w: secret not configured", ErrUnauthorized)
	}
	token, ok := bearerToken(authorization)
	if !ok {
		return fmt.Errorf("%w: bearer token required", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	claims := &bodyClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.BodySHA256 != bodyHash(body) {
		return fmt.Errorf("%w: body hash mismatch", ErrUnauthorized)
	}
	return nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
