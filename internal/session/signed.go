package session

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SignedCodec encodes records as HS256 JSON Web Tokens. A token whose
// signature does not verify decodes as Malformed.
type SignedCodec struct {
	secret []byte
	parser *jwt.Parser
}

var _ Codec = (*SignedCodec)(nil)

type sessionClaims struct {
	Authenticated *bool          `json:"authenticated"`
	Timestamp     *int64         `json:"timestamp"`
	Extra         map[string]any `json:"extra,omitempty"`
	jwt.RegisteredClaims
}

// NewSignedCodec creates a codec keyed by secret.
func NewSignedCodec(secret string) (*SignedCodec, error) {
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	return &SignedCodec{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Encode implements Codec.
func (c *SignedCodec) Encode(r Record) (string, error) {
	w := toWire(r)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &sessionClaims{
		Authenticated: w.Authenticated,
		Timestamp:     w.Timestamp,
		Extra:         w.Extra,
	})
	s, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return s, nil
}

// Decode implements Codec.
func (c *SignedCodec) Decode(token string) (Record, error) {
	raw, err := unescape(token)
	if err != nil {
		return Record{}, malformed(err)
	}

	claims := &sessionClaims{}
	_, err = c.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		return Record{}, malformed(err)
	}

	return wireRecord{
		Authenticated: claims.Authenticated,
		Timestamp:     claims.Timestamp,
		Extra:         claims.Extra,
	}.record()
}

// NewCodec returns a SignedCodec when secret is set and PlainCodec otherwise.
func NewCodec(secret string) (Codec, error) {
	if secret == "" {
		return PlainCodec{}, nil
	}
	return NewSignedCodec(secret)
}
