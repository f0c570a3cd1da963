package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sumup/ucp/signing"
)

func TestCanonicalizeJSONBody(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		raw     string
		want    string
		wantErr bool
	}{
		"sorts keys":        {raw: `{"b":"x","a":{"d":true,"c":null}}`, want: `{"a":{"c":null,"d":true},"b":"x"}`},
		"strips whitespace": {raw: " {\n\"a\" : [\"1\", \"2\"]\n} ", want: `{"a":["1","2"]}`},
		"empty body":        {raw: "", want: "null"},
		"invalid":           {raw: `{"a":`, wantErr: true},
		"trailing document": {raw: `{}{}`, wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := CanonicalizeJSONBody([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("canonicalize: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("expected %s got %s", tt.want, got)
			}
		})
	}
}

func TestHMACVerifier(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"a":1}`)
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(BuildSigningPayload(ts, body))
	valid := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	v := HMACVerifier{Key: key}
	if err := v.Verify(context.Background(), Material{Signature: valid, Timestamp: ts, CanonicalBody: body}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := v.Verify(context.Background(), Material{Signature: valid, Timestamp: ts.Add(time.Second), CanonicalBody: body}); err == nil {
		t.Fatalf("expected timestamp to be bound into the signature")
	}
	if err := v.Verify(context.Background(), Material{Signature: "***", Timestamp: ts, CanonicalBody: body}); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := (HMACVerifier{}).Verify(context.Background(), Material{Signature: valid, Timestamp: ts, CanonicalBody: body}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestDetachedJWSVerifier(t *testing.T) {
	t.Parallel()

	signer := signing.New()
	keys, err := signer.PublicKeys()
	if err != nil {
		t.Fatalf("public keys: %v", err)
	}
	body := []byte(`{"amount":"100.00","currency":"USD"}`)
	sig, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := map[string]struct {
		verifier DetachedJWSVerifier
		material Material
		wantErr  bool
	}{
		"valid": {
			verifier: DetachedJWSVerifier{Keys: StaticKeys(keys...)},
			material: Material{Signature: sig, CanonicalBody: body},
		},
		"tampered body": {
			verifier: DetachedJWSVerifier{Keys: StaticKeys(keys...)},
			material: Material{Signature: sig, CanonicalBody: []byte(`{"amount":"999.00","currency":"USD"}`)},
			wantErr:  true,
		},
		"unknown key": {
			verifier: DetachedJWSVerifier{Keys: StaticKeys()},
			material: Material{Signature: sig, CanonicalBody: body},
			wantErr:  true,
		},
		"key source fails": {
			verifier: DetachedJWSVerifier{Keys: func(context.Context) ([]signing.JWK, error) {
				return nil, errors.New("jwks unavailable")
			}},
			material: Material{Signature: sig, CanonicalBody: body},
			wantErr:  true,
		},
		"no key source": {
			material: Material{Signature: sig, CanonicalBody: body},
			wantErr:  true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			err := tt.verifier.Verify(context.Background(), tt.material)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("verify: %v", err)
			}
		})
	}
}

func TestReadAndBufferBody(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	raw, err := ReadAndBufferBody(req)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	again, err := ReadAndBufferBody(req)
	if err != nil {
		t.Fatalf("read again: %v", err)
	}
	if string(raw) != `{"a":1}` || string(again) != string(raw) {
		t.Fatalf("body not preserved: %q %q", raw, again)
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"2026-01-02T03:04:05Z", "2026-01-02T03:04:05.123456789Z", "2026-01-02T05:04:05+02:00"} {
		ts, err := ParseTimestamp(value)
		if err != nil {
			t.Fatalf("parse %s: %v", value, err)
		}
		if ts.UTC().Hour() != 3 {
			t.Fatalf("unexpected time %s for %s", ts, value)
		}
	}
	if _, err := ParseTimestamp(""); err == nil {
		t.Fatalf("expected error for empty timestamp")
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for garbage timestamp")
	}
}
