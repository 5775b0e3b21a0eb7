package jobs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical serializes a JSON-compatible map with object keys sorted
// recursively and no insignificant whitespace, so equal inputs always
// produce identical bytes regardless of construction order or process.
func Canonical(input map[string]any) ([]byte, error) {
	var b []byte
	var err error
	if b, err = marshalCanonical(input); err != nil {
		return nil, fmt.Errorf("canonicalize input: %w", err)
	}
	return b, nil
}

// Fingerprint hashes the canonical form of input. Two jobs with the same
// fingerprint in the same queue scope describe the same work.
func Fingerprint(input map[string]any) (string, error) {
	b, err := Canonical(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// marshalCanonical relies on encoding/json sorting map keys recursively.
// HTML escaping is disabled so the canonical bytes stay readable in logs.
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
