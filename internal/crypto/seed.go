package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
)

// DecodeSeed parses an operator-supplied receipt seed.
// Supported formats:
// - "base64:" or "hex:" prefixed values
// - bare standard or URL-safe base64
func DecodeSeed(value string) ([]byte, error) {
	data, err := decodeBytes(value)
	if err != nil {
		return nil, err
	}
	if len(data) != SeedSize {
		return nil, ErrInvalidSeedSize
	}
	return data, nil
}

// LoadSeedFile reads a receipt seed from a file. Raw 32-byte files are
// accepted as-is.
func LoadSeedFile(path string) ([]byte, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) == SeedSize {
		return raw, nil
	}
	return DecodeSeed(string(raw))
}

func decodeBytes(value string) ([]byte, error) {
	trim := strings.TrimSpace(value)
	if trim == "" {
		return nil, ErrEmptySeed
	}
	if strings.HasPrefix(trim, "base64:") {
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(trim, "base64:"))
	}
	if strings.HasPrefix(trim, "hex:") {
		return hex.DecodeString(strings.TrimPrefix(trim, "hex:"))
	}
	if out, err := base64.StdEncoding.DecodeString(trim); err == nil {
		return out, nil
	}
	if out, err := base64.RawURLEncoding.DecodeString(trim); err == nil {
		return out, nil
	}
	return nil, ErrSeedEncoding
}
