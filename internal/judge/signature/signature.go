// Package signature signs and verifies completion callbacks. The signature is
// SHA-256 over path?k1=v1&k2=v2 + timestamp + secret, with keys sorted
// ascending, encoded as lowercase hex.
package signature

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Request header and cookie names carrying the signature.
const (
	HeaderSign      = "X-Judge-Sign"
	HeaderTimestamp = "X-Judge-Timestamp"
	CookieSign      = "sign"
	CookieTimestamp = "timestamp"
)

// Canonicalize joins params as key=value pairs sorted by key.
func Canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Sign returns the lowercase hex signature of a request.
func Sign(path string, params map[string]string, timestamp, secret string) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{'?'})
	h.Write([]byte(Canonicalize(params)))
	h.Write([]byte(timestamp))
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time.
func Verify(path string, params map[string]string, timestamp, secret, signature string) bool {
	if signature == "" || timestamp == "" {
		return false
	}
	want := Sign(path, params, timestamp, secret)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(signature))) == 1
}

// WithinSkew reports whether a millisecond timestamp lies within maxSkew of
// now. A maxSkew <= 0 accepts any parseable timestamp.
func WithinSkew(timestamp string, now time.Time, maxSkew time.Duration) bool {
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if maxSkew <= 0 {
		return true
	}
	diff := now.Sub(time.UnixMilli(ms))
	if diff < 0 {
		diff = -diff
	}
	return diff <= maxSkew
}

// Signer produces outbound signatures with a shared secret.
type Signer struct {
	Secret string
	Now    func() time.Time
}

// SignRequest stamps the current time and signs path and params.
func (s Signer) SignRequest(path string, params map[string]string) (timestamp, sig string) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	timestamp = strconv.FormatInt(now().UnixMilli(), 10)
	return timestamp, Sign(path, params, timestamp, s.Secret)
}
