package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// PlainCodec encodes records as standard base64 over JSON.
type PlainCodec struct{}

var _ Codec = PlainCodec{}

// Encode implements Codec.
func (PlainCodec) Encode(r Record) (string, error) {
	b, err := json.Marshal(toWire(r))
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decode implements Codec. It accepts the standard and URL-safe alphabets,
// with or without padding, and a percent-encoded value as browsers write it.
func (PlainCodec) Decode(token string) (Record, error) {
	raw, err := unescape(token)
	if err != nil {
		return Record{}, malformed(err)
	}

	data, err := decodeBase64(raw)
	if err != nil {
		return Record{}, malformed(err)
	}

	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, malformed(err)
	}
	return w.record()
}

func unescape(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("empty token")
	}
	if !strings.Contains(token, "%") {
		return token, nil
	}
	// PathUnescape keeps '+' intact; it is part of the base64 alphabet
	return url.PathUnescape(token)
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

func decodeBase64(s string) ([]byte, error) {
	var firstErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
