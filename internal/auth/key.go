package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
)

// Keys look like mv_<env>_<prefix>_<secret>, e.g.
// mv_live_7a9f3c_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b. The prefix is stored in
// clear and narrows the hash comparison to a handful of rows.
const (
	keyScheme    = "mv"
	prefixBytes  = 3
	secretBytes  = 16
	KeyPrefixLen = 2 * prefixBytes
	KeySecretLen = 2 * secretBytes
)

// Key environments.
const (
	EnvLive = "live"
	EnvTest = "test"
)

var ErrKeyFormat = errors.New("invalid API key format")

var keyPattern = regexp.MustCompile(fmt.Sprintf(`^%s_(%s|%s)_([a-f0-9]{%d})_([a-f0-9]{%d})$`,
	keyScheme, EnvLive, EnvTest, KeyPrefixLen, KeySecretLen))

// GeneratedKey is a freshly issued key. Plaintext is shown to the caller once
// and never persisted.
type GeneratedKey struct {
	Plaintext string
	Hash      string
	Prefix    string
}

// GenerateAPIKey issues a key for env. Anything other than EnvTest issues a
// live key.
func GenerateAPIKey(env string) (*GeneratedKey, error) {
	if env != EnvTest {
		env = EnvLive
	}

	raw := make([]byte, prefixBytes+secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to read key material: %w", err)
	}
	prefix := hex.EncodeToString(raw[:prefixBytes])
	secret := hex.EncodeToString(raw[prefixBytes:])
	plaintext := fmt.Sprintf("%s_%s_%s_%s", keyScheme, env, prefix, secret)

	hash, err := HashKey(plaintext)
	if err != nil {
		return nil, err
	}
	return &GeneratedKey{Plaintext: plaintext, Hash: hash, Prefix: prefix}, nil
}

// ParsedKey holds the parts of a well-formed key.
type ParsedKey struct {
	Env    string
	Prefix string
	Secret string
}

// ParseAPIKey splits key into its parts or returns ErrKeyFormat.
func ParseAPIKey(key string) (ParsedKey, error) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return ParsedKey{}, ErrKeyFormat
	}
	return ParsedKey{Env: m[1], Prefix: m[2], Secret: m[3]}, nil
}

// IsTestKey reports whether key was issued for the test environment.
func IsTestKey(key string) bool {
	parsed, err := ParseAPIKey(key)
	return err == nil && parsed.Env == EnvTest
}
