package signature_test

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"judgeflow/internal/judge/signature"
)

const (
	testPath   = "/webhook/judge/complete"
	testSecret = "s3cret"
	testTS     = "1700000000000"
)

func testParams() map[string]string {
	return map[string]string{
		"token":         "0f8fad5b-d9cb-469f-a165-70867728950e",
		"judgeRecordId": "42",
	}
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	got := signature.Canonicalize(map[string]string{"b": "2", "a": "1", "c": ""})
	if got != "a=1&b=2&c=" {
		t.Fatalf("unexpected canonical form %q", got)
	}
	if signature.Canonicalize(nil) != "" {
		t.Fatalf("expected empty canonical form")
	}
}

func TestSignMatchesDigestOfCanonicalMessage(t *testing.T) {
	msg := testPath + "?judgeRecordId=42&token=0f8fad5b-d9cb-469f-a165-70867728950e" + testTS + testSecret
	sum := sha256.Sum256([]byte(msg))
	want := hex.EncodeToString(sum[:])
	if got := signature.Sign(testPath, testParams(), testTS, testSecret); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	sig := signature.Sign(testPath, testParams(), testTS, testSecret)
	if !signature.Verify(testPath, testParams(), testTS, testSecret, sig) {
		t.Fatalf("expected signature to verify")
	}
}

func flip(s string, i int) string {
	b := []byte(s)
	if b[i] == 'x' {
		b[i] = 'y'
	} else {
		b[i] = 'x'
	}
	return string(b)
}

func TestVerifyRejectsAnySingleCharChange(t *testing.T) {
	sig := signature.Sign(testPath, testParams(), testTS, testSecret)

	for i := range testPath {
		if signature.Verify(flip(testPath, i), testParams(), testTS, testSecret, sig) {
			t.Fatalf("path change at %d verified", i)
		}
	}
	for i := range testTS {
		if signature.Verify(testPath, testParams(), flip(testTS, i), testSecret, sig) {
			t.Fatalf("timestamp change at %d verified", i)
		}
	}
	for i := range testSecret {
		if signature.Verify(testPath, testParams(), testTS, flip(testSecret, i), sig) {
			t.Fatalf("secret change at %d verified", i)
		}
	}
	for key, value := range testParams() {
		for i := range value {
			params := testParams()
			params[key] = flip(value, i)
			if signature.Verify(testPath, params, testTS, testSecret, sig) {
				t.Fatalf("param %s change at %d verified", key, i)
			}
		}
		for i := range key {
			params := testParams()
			delete(params, key)
			params[flip(key, i)] = value
			if signature.Verify(testPath, params, testTS, testSecret, sig) {
				t.Fatalf("param key %s change at %d verified", key, i)
			}
		}
	}
}

func TestVerifyRejectsEmptyInputs(t *testing.T) {
	sig := signature.Sign(testPath, testParams(), testTS, testSecret)
	if signature.Verify(testPath, testParams(), "", testSecret, sig) {
		t.Fatalf("empty timestamp must not verify")
	}
	if signature.Verify(testPath, testParams(), testTS, testSecret, "") {
		t.Fatalf("empty signature must not verify")
	}
}

func TestSignerSignRequest(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	signer := signature.Signer{Secret: testSecret, Now: func() time.Time { return now }}
	ts, sig := signer.SignRequest(testPath, testParams())
	if ts != "1700000000123" {
		t.Fatalf("unexpected timestamp %s", ts)
	}
	if !signature.Verify(testPath, testParams(), ts, testSecret, sig) {
		t.Fatalf("signer output must verify")
	}
}

func TestWithinSkew(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	fresh := strconv.FormatInt(now.Add(-time.Minute).UnixMilli(), 10)
	stale := strconv.FormatInt(now.Add(-time.Hour).UnixMilli(), 10)
	if !signature.WithinSkew(fresh, now, 5*time.Minute) {
		t.Fatalf("fresh timestamp rejected")
	}
	if signature.WithinSkew(stale, now, 5*time.Minute) {
		t.Fatalf("stale timestamp accepted")
	}
	if !signature.WithinSkew(stale, now, 0) {
		t.Fatalf("skew check must be disabled at 0")
	}
	if signature.WithinSkew("abc", now, 0) {
		t.Fatalf("non-numeric timestamp accepted")
	}
}
