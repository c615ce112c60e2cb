// Package canon implements the canonical hashing contract shared between the
// gateway and the client bridge. Both sides must produce bit-identical digests
// from the same tool call, which is what makes approval tokens resistant to
// argument tampering: the gateway re-validates the hashes the client computed
// at approval time.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TokenField is the top-level argument key that carries an approval token on
// retries. It is excluded from the canonical form so that a retry with the
// token attached hashes identically to the original call.
const TokenField = "approvalToken"

// ArgsHash computes the canonical 256-bit hex digest of a tool-call argument
// tree. Canonicalization removes the top-level approvalToken field, sorts all
// object keys lexicographically at every depth, preserves null, and serializes
// with no insignificant whitespace. Numbers keep their source representation
// so that 1 and 1.0 do not collide across implementations.
func ArgsHash(args map[string]any) (string, error) {
	// Round-trip through JSON so the canonical form is computed over wire
	// values, not Go types (e.g. float64 vs json.Number).
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("canon: marshal args: %w", err)
	}
	return ArgsHashJSON(raw)
}

// ArgsHashJSON is ArgsHash over an already-encoded JSON object.
func ArgsHashJSON(raw []byte) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("canon: decode args: %w", err)
	}

	if obj, ok := tree.(map[string]any); ok {
		delete(obj, TokenField)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// RequestHash binds a call's identity: the digest of
// "<tool_name>:<upstream_id>:<args_hash>".
func RequestHash(toolName, upstreamID, argsHash string) string {
	sum := sha256.Sum256([]byte(toolName + ":" + upstreamID + ":" + argsHash))
	return hex.EncodeToString(sum[:])
}

// HashToken returns the stored form of a raw approval token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashClientKey returns the stored form of a raw agent client key.
// Raw keys are never persisted.
func HashClientKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// writeCanonical emits the canonical JSON encoding of a decoded value:
// sorted keys, compact separators, strings escaped by encoding/json.
func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canon: encode key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	case string:
		sb, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canon: encode string: %w", err)
		}
		// encoding/json escapes <, >, & by default; keep that, it is part
		// of the contract as long as both sides use this package.
		buf.Write(sb)
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	default:
		return fmt.Errorf("canon: unsupported value type %T", v)
	}
	return nil
}

// IsHexDigest reports whether s looks like a 256-bit lowercase hex digest.
// Handlers use it for cheap revalidation of client-supplied hashes.
func IsHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
