// Package integrity computes and compares room integrity tags. A tag
// either derives from a script module payload (stable sha256 over a
// canonical JSON form, so byte-identical modules always agree) or is a
// caller-chosen string in the reserved "custom:" namespace.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CustomPrefix is the namespace reserved for operator-chosen tags on
// control-channel rooms. Computed module hashes are hex and can never
// collide with it.
const CustomPrefix = "custom:"

// HashModule returns the integrity tag for a script module payload.
// The encoding is canonical: object keys sorted, no insignificant
// whitespace, so two structurally equal payloads hash identically
// regardless of source map iteration order.
func HashModule(module any) (string, error) {
	var buf strings.Builder
	if err := writeCanonical(&buf, module); err != nil {
		return "", fmt.Errorf("integrity: canonical encoding: %w", err)
	}
	sum := sha256.Sum256([]byte(buf.String()))
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether two tags match, in constant time with respect to
// the tag contents. An empty tag never equals a present one: the
// empty-vs-present case is decided explicitly before the compare.
func Equal(a, b string) bool {
	if (a == "") != (b == "") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsCustom reports whether tag lives in the operator-chosen namespace.
func IsCustom(tag string) bool {
	return strings.HasPrefix(tag, CustomPrefix)
}

// writeCanonical renders v as deterministic JSON. v must already be a
// JSON-shaped value (the result of decoding a request body): maps,
// slices, strings, numbers, bools, nil.
func writeCanonical(buf *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encoded)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}
