package auth

import (
	"strings"
	"testing"
)

func TestHashAPIKeyDeterministic(t *testing.T) {
	a := HashAPIKey("abc", "pepper")
	b := HashAPIKey("abc", "pepper")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if HashAPIKey("abc", "other") == a {
		t.Fatalf("expected pepper to change the hash")
	}
}

func TestConstantTimeHashEquals(t *testing.T) {
	if !ConstantTimeHashEquals("abc", "abc") {
		t.Fatalf("expected equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abd") {
		t.Fatalf("expected non-equal hashes")
	}
}

func TestGenerateAPIKeyPrefixed(t *testing.T) {
	k, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(k, APIKeyPrefix) || len(k) < 40 {
		t.Fatalf("unexpected key %q", k)
	}
	k2, _ := GenerateAPIKey()
	if k == k2 {
		t.Fatalf("expected distinct keys")
	}
}

func TestTokenEquals(t *testing.T) {
	tok, err := GenerateGatewayToken()
	if err != nil {
		t.Fatal(err)
	}
	if !TokenEquals(tok, tok) {
		t.Fatalf("expected token to match itself")
	}
	if TokenEquals(tok[:10], tok) {
		t.Fatalf("expected prefix not to match")
	}
	if TokenEquals("", "") {
		t.Fatalf("empty stored token must never match")
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  xyz ": "xyz",
		"Basic abc":    "",
		"":             "",
	}
	for in, want := range tests {
		if got := BearerToken(in); got != want {
			t.Fatalf("BearerToken(%q): got %q, want %q", in, got, want)
		}
	}
}
