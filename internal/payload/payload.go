// Package payload encodes the opaque invoice payload that correlates invoice
// issue, pre-checkout and settlement.
//
// The payload is a JSON object echoed verbatim by the payment provider:
//
//	{"amount":50,"user_id":777}
//
// Optional fields "id" and "correlation_id" may follow. A "v" field carries
// the record version; when absent the payload is version 1. Both the issuing
// path and the confirmation path must use this package so the bytes survive
// the round trip.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CurrentVersion is the only record version this codec produces and accepts.
const CurrentVersion = 1

// MaxLength is the provider's limit on invoice payload size in bytes.
const MaxLength = 128

var (
	ErrInvalidPayload = errors.New("payload: invalid payload")
	ErrTooLong        = errors.New("payload: exceeds provider size limit")
)

// Payload is the decoded invoice payload.
type Payload struct {
	Version       int
	Amount        int64
	UserID        int64
	ID            string // optional
	CorrelationID string // optional
}

// Encode returns the canonical payload for amount and userID.
func Encode(amount, userID int64) string {
	s, _ := Payload{Amount: amount, UserID: userID}.Marshal()
	return s
}

// Marshal renders the payload with a fixed field order. Only the two
// mandatory fields are always present; version 1 is implied by omitting "v".
func (p Payload) Marshal() (string, error) {
	var b strings.Builder
	b.WriteString(`{"amount":`)
	b.WriteString(strconv.FormatInt(p.Amount, 10))
	b.WriteString(`,"user_id":`)
	b.WriteString(strconv.FormatInt(p.UserID, 10))
	if p.ID != "" {
		b.WriteString(`,"id":`)
		writeString(&b, p.ID)
	}
	if p.CorrelationID != "" {
		b.WriteString(`,"correlation_id":`)
		writeString(&b, p.CorrelationID)
	}
	b.WriteByte('}')

	out := b.String()
	if len(out) > MaxLength {
		return out, fmt.Errorf("%w: %d bytes", ErrTooLong, len(out))
	}
	return out, nil
}

func writeString(b *strings.Builder, s string) {
	data, _ := json.Marshal(s)
	b.Write(data)
}

// Decode parses and strictly validates a payload. Unknown fields, a
// non-integer or non-positive amount, a non-integer user_id, and mistyped
// optional fields all reject the payload.
func Decode(s string) (*Payload, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
	}

	p := &Payload{Version: CurrentVersion}

	for key := range obj {
		switch key {
		case "amount", "user_id", "id", "correlation_id", "v":
		default:
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidPayload, key)
		}
	}

	if raw, ok := obj["v"]; ok {
		v, ok := integer(raw)
		if !ok || v != CurrentVersion {
			return nil, fmt.Errorf("%w: unsupported version", ErrInvalidPayload)
		}
	}

	amount, ok := integer(obj["amount"])
	if !ok {
		return nil, fmt.Errorf("%w: amount must be an integer", ErrInvalidPayload)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	userID, ok := integer(obj["user_id"])
	if !ok {
		return nil, fmt.Errorf("%w: user_id must be an integer", ErrInvalidPayload)
	}
	p.Amount = amount
	p.UserID = userID

	if raw, ok := obj["id"]; ok {
		id, ok := stringOrInteger(raw)
		if !ok {
			return nil, fmt.Errorf("%w: id must be a string or integer", ErrInvalidPayload)
		}
		p.ID = id
	}
	if raw, ok := obj["correlation_id"]; ok {
		var cid string
		if err := json.Unmarshal(raw, &cid); err != nil || isNull(raw) {
			return nil, fmt.Errorf("%w: correlation_id must be a string", ErrInvalidPayload)
		}
		p.CorrelationID = cid
	}

	return p, nil
}

// integer accepts an integral JSON number literal only; strings, floats,
// exponents, booleans and null are rejected.
func integer(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func stringOrInteger(raw json.RawMessage) (string, bool) {
	if n, ok := integer(raw); ok {
		return strconv.FormatInt(n, 10), true
	}
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
