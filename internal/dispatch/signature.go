package dispatch

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const signatureIssuer = "Upstash"

// callbackClaims is the JWT carried in the Upstash-Signature header. Body is the
// base64url SHA-256 of the raw request body.
type callbackClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Verifier checks callback signatures against the current and the next signing key,
// so keys can be rotated without dropping deliveries.
type Verifier struct {
	keys   [][]byte
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier. An empty next key is ignored.
func NewVerifier(currentKey, nextKey string) *Verifier {
	v := &Verifier{leeway: time.Minute, now: time.Now}
	for _, k := range []string{currentKey, nextKey} {
		if k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	return v
}

// Verify checks signature over body. When url is non-empty the token subject must match it.
// Any failure wraps ErrInvalidSignature.
func (v *Verifier) Verify(signature string, body []byte, url string) error {
	if signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	if len(v.keys) == 0 {
		return fmt.Errorf("%w: no signing keys configured", ErrInvalidSignature)
	}

	var lastErr error
	for _, key := range v.keys {
		if err := v.verifyWithKey(signature, body, url, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

func (v *Verifier) verifyWithKey(signature string, body []byte, url string, key []byte) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)

	var claims callbackClaims
	if _, err := parser.ParseWithClaims(signature, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return err
	}

	if url != "" && claims.Subject != url {
		return fmt.Errorf("subject %q does not match %q", claims.Subject, url)
	}
	if strings.TrimRight(claims.Body, "=") != bodyHash(body) {
		return errors.New("body hash mismatch")
	}
	return nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return strings.TrimRight(base64.URLEncoding.EncodeToString(sum[:]), "=")
}

// SignCallback produces a signature the Verifier accepts. The scheduler signs
// real deliveries; this is used to drive callbacks locally.
func SignCallback(key, url string, body []byte, now time.Time) (string, error) {
	sum := sha256.Sum256(body)
	claims := callbackClaims{
		Body: base64.URLEncoding.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signatureIssuer,
			Subject:   url,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}
