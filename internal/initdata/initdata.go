// Package initdata authenticates the signed launch parameters ("init data")
// that the messaging client hands to the mini-app.
//
// The client receives a URL-encoded key/value string signed by the platform
// with a key derived from the bot token. The server recomputes the signature
// over every field except "hash", sorted by key and joined as "key=value"
// lines, and compares it in constant time.
package initdata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingHash       = errors.New("initdata: hash is missing")
	ErrSignatureMismatch = errors.New("initdata: signature mismatch")
	ErrExpired           = errors.New("initdata: auth_date is too old")
	ErrMissingAuthDate   = errors.New("initdata: auth_date is missing")
	ErrMalformed         = errors.New("initdata: malformed init data")
)

// HeaderName is the request header that carries raw init data.
const HeaderName = "X-Telegram-Init-Data"

const (
	hashField     = "hash"
	authDateField = "auth_date"
	userField     = "user"

	// webAppKeyLabel is the HMAC key used by the WebApp key derivation.
	webAppKeyLabel = "WebAppData"
)

// Scheme selects how the signing key is derived from the bot token.
type Scheme string

const (
	// SchemeSHA256 derives the key as SHA256(bot_token).
	SchemeSHA256 Scheme = "sha256"
	// SchemeWebApp derives the key as HMAC_SHA256(key="WebAppData", msg=bot_token).
	SchemeWebApp Scheme = "webapp"
)

// Fields are the verified key/value pairs, without the hash.
type Fields map[string]string

// AuthDate returns the parsed auth_date field.
func (f Fields) AuthDate() (time.Time, bool) {
	raw, ok := f[authDateField]
	if !ok {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// Verifier checks init data signatures. It holds no mutable state and is safe
// for concurrent use.
type Verifier struct {
	secretKey            []byte
	maxAge               time.Duration
	allowMissingAuthDate bool
	now                  func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithMaxAge rejects init data older than d. Zero disables the freshness check.
func WithMaxAge(d time.Duration) Option {
	return func(v *Verifier) {
		v.maxAge = d
	}
}

// WithAllowMissingAuthDate accepts init data without auth_date even when a
// max age is configured. By default such data is rejected.
func WithAllowMissingAuthDate(allow bool) Option {
	return func(v *Verifier) {
		v.allowMissingAuthDate = allow
	}
}

// WithScheme overrides the key derivation (default SchemeSHA256).
func WithScheme(scheme Scheme, botToken string) Option {
	return func(v *Verifier) {
		v.secretKey = deriveKey(scheme, botToken)
	}
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier for the given bot token.
func NewVerifier(botToken string, opts ...Option) *Verifier {
	v := &Verifier{
		secretKey: deriveKey(SchemeSHA256, botToken),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses and authenticates raw init data. On success the returned
// fields are exactly the received ones minus the hash.
func (v *Verifier) Verify(raw string) (Fields, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	fields := make(Fields, len(values))
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		// Last occurrence wins for repeated keys.
		fields[key] = vals[len(vals)-1]
	}

	received, ok := fields[hashField]
	delete(fields, hashField)
	if !ok || received == "" {
		return nil, ErrMissingHash
	}

	expected := computeHash(v.secretKey, fields)
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return nil, ErrSignatureMismatch
	}

	if err := v.checkFreshness(fields); err != nil {
		return nil, err
	}

	return fields, nil
}

func (v *Verifier) checkFreshness(fields Fields) error {
	if v.maxAge <= 0 {
		return nil
	}
	if _, present := fields[authDateField]; !present {
		if v.allowMissingAuthDate {
			return nil
		}
		return ErrMissingAuthDate
	}
	authDate, ok := fields.AuthDate()
	if !ok {
		return fmt.Errorf("%w: auth_date is not an integer", ErrMalformed)
	}
	if v.now().Sub(authDate) > v.maxAge {
		return ErrExpired
	}
	return nil
}

// Sign returns the hash the platform would attach to fields. Test fixtures
// and local tooling use it to mint valid init data.
func (v *Verifier) Sign(fields map[string]string) string {
	return computeHash(v.secretKey, fields)
}

// Encode returns fields plus their signature as a query string.
func (v *Verifier) Encode(fields map[string]string) string {
	values := make(url.Values, len(fields)+1)
	for k, val := range fields {
		values.Set(k, val)
	}
	values.Set(hashField, v.Sign(fields))
	return values.Encode()
}

// CheckString builds the canonical "key=value\n..." string, sorted by key.
func CheckString(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == hashField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

func computeHash(secretKey []byte, fields map[string]string) string {
	mac := hmac.New(sha256.New, secretKey)
	mac.Write([]byte(CheckString(fields)))
	return hex.EncodeToString(mac.Sum(nil))
}

func deriveKey(scheme Scheme, botToken string) []byte {
	if scheme == SchemeWebApp {
		mac := hmac.New(sha256.New, []byte(webAppKeyLabel))
		mac.Write([]byte(botToken))
		return mac.Sum(nil)
	}
	sum := sha256.Sum256([]byte(botToken))
	return sum[:]
}

// ParseScheme maps a configuration string to a Scheme.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemeSHA256:
		return SchemeSHA256, nil
	case SchemeWebApp:
		return SchemeWebApp, nil
	default:
		return "", fmt.Errorf("unknown init data scheme %q", s)
	}
}
