package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT(42, "s3cret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	uid, err := ParseJWT(tok, "s3cret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if uid != 42 {
		t.Fatalf("expected uid 42, got %d", uid)
	}
}

func TestParseRejects(t *testing.T) {
	good, _ := SignJWT(42, "s3cret", time.Hour)
	expired, _ := SignJWT(42, "s3cret", -time.Minute)
	anon, _ := SignJWT(0, "s3cret", time.Hour)

	cases := map[string]struct{ tok, secret string }{
		"wrong secret": {good, "other"},
		"expired":      {expired, "s3cret"},
		"garbage":      {"not.a.token", "s3cret"},
		"no uid":       {anon, "s3cret"},
	}
	for name, tc := range cases {
		if _, err := ParseJWT(tc.tok, tc.secret); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}
