// Package session encodes and decodes the session token a client carries
// in a cookie or header.
//
// PlainCodec is base64 over JSON. It is obfuscation, not authentication:
// anyone can mint a token that PlainCodec accepts. SignedCodec adds an
// HMAC signature and should be used whenever a signing secret is available.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Record is the decoded content of a session token. Records are never
// mutated; a refreshed session is a new Record.
type Record struct {
	Authenticated bool
	Timestamp     int64 // epoch milliseconds, set at login
	Extra         map[string]any
}

// NewRecord returns an authenticated record stamped with now. An empty
// extra is stored as nil.
func NewRecord(now time.Time, extra map[string]any) Record {
	if len(extra) == 0 {
		extra = nil
	}
	return Record{
		Authenticated: true,
		Timestamp:     now.UnixMilli(),
		Extra:         extra,
	}
}

// IssuedAt returns the record timestamp as a time.
func (r Record) IssuedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Age returns how long ago the record was issued relative to now.
func (r Record) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-r.Timestamp) * time.Millisecond
}

// Codec turns records into transport-safe strings and back.
//
// Extra travels as JSON, so decoded values come back in their JSON form:
// numbers as float64, nested objects as map[string]any, and an empty map
// as nil. Decode(Encode(r)) equals r for records built by NewRecord whose
// Extra already holds JSON-form values.
type Codec interface {
	Encode(Record) (string, error)
	Decode(token string) (Record, error)
}

// DecodeErrorKind classifies why a token could not be decoded.
type DecodeErrorKind int

const (
	// Malformed means the token could not be reversed into structured data.
	Malformed DecodeErrorKind = iota
	// MissingFields means the data lacks authenticated or timestamp.
	MissingFields
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case MissingFields:
		return "missing_fields"
	default:
		return "unknown"
	}
}

// DecodeError is returned by every Codec.Decode failure.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session token %s: %v", e.Kind, e.Err)
	}
	return "session token " + e.Kind.String()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func malformed(err error) error {
	return &DecodeError{Kind: Malformed, Err: err}
}

var errMissing = errors.New("authenticated and timestamp are required")

// wireRecord distinguishes absent fields from zero values.
type wireRecord struct {
	Authenticated *bool          `json:"authenticated"`
	Timestamp     *int64         `json:"timestamp"`
	Extra         map[string]any `json:"extra,omitempty"`
}

func toWire(r Record) wireRecord {
	auth, ts := r.Authenticated, r.Timestamp
	return wireRecord{Authenticated: &auth, Timestamp: &ts, Extra: r.Extra}
}

func (w wireRecord) record() (Record, error) {
	if w.Authenticated == nil || w.Timestamp == nil {
		return Record{}, &DecodeError{Kind: MissingFields, Err: errMissing}
	}
	return Record{
		Authenticated: *w.Authenticated,
		Timestamp:     *w.Timestamp,
		Extra:         extraOrNil(w.Extra),
	}, nil
}

func extraOrNil(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
