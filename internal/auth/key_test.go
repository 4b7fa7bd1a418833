package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	for _, tc := range []struct {
		env     string
		wantEnv string
	}{
		{EnvLive, EnvLive},
		{EnvTest, EnvTest},
		{"staging", EnvLive},
		{"", EnvLive},
	} {
		t.Run(tc.env, func(t *testing.T) {
			k, err := GenerateAPIKey(tc.env)
			if err != nil {
				t.Fatalf("GenerateAPIKey() error = %v", err)
			}
			parsed, err := ParseAPIKey(k.Plaintext)
			if err != nil {
				t.Fatalf("generated key %q does not parse: %v", k.Plaintext, err)
			}
			if parsed.Env != tc.wantEnv {
				t.Errorf("env = %q, want %q", parsed.Env, tc.wantEnv)
			}
			if parsed.Prefix != k.Prefix {
				t.Errorf("prefix = %q, want %q", parsed.Prefix, k.Prefix)
			}
			if ok, err := CompareKey(k.Plaintext, k.Hash); err != nil || !ok {
				t.Errorf("hash does not match plaintext: %v, %v", ok, err)
			}
			if strings.Contains(k.Hash, parsed.Secret) {
				t.Error("hash leaks the secret")
			}
		})
	}
}

func TestGenerateAPIKey_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		k, err := GenerateAPIKey(EnvTest)
		if err != nil {
			t.Fatalf("GenerateAPIKey() error = %v", err)
		}
		if seen[k.Plaintext] {
			t.Fatalf("duplicate key %s", k.Plaintext)
		}
		seen[k.Plaintext] = true
	}
}

func TestParseAPIKey(t *testing.T) {
	valid := "mv_live_7a9f3c_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b"
	parsed, err := ParseAPIKey(valid)
	if err != nil {
		t.Fatalf("ParseAPIKey(%q) error = %v", valid, err)
	}
	want := ParsedKey{Env: "live", Prefix: "7a9f3c", Secret: "4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b"}
	if parsed != want {
		t.Errorf("ParseAPIKey() = %+v, want %+v", parsed, want)
	}

	for _, bad := range []string{
		"",
		"mv_prod_7a9f3c_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b",
		"ps_live_7a9f3c_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b",
		"mv_live_7A9F3C_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b",
		"mv_live_7a9f3_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b",
		"mv_live_7a9f3c_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1",
		"mv_live_7a9f3c_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b\n",
		" mv_live_7a9f3c_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b",
	} {
		if _, err := ParseAPIKey(bad); !errors.Is(err, ErrKeyFormat) {
			t.Errorf("ParseAPIKey(%q) error = %v, want ErrKeyFormat", bad, err)
		}
	}
}

func TestIsTestKey(t *testing.T) {
	if !IsTestKey("mv_test_000000_00000000000000000000000000000000") {
		t.Error("test key not recognised")
	}
	if IsTestKey("mv_live_000000_00000000000000000000000000000000") {
		t.Error("live key reported as test")
	}
	if IsTestKey("garbage") {
		t.Error("malformed key reported as test")
	}
}
