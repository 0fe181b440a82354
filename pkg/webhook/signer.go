// Package webhook queues and delivers signed notifications for terminal job
// events. Delivery rows live in the durable store; a background worker
// claims due rows under row locks and POSTs them with exponential backoff.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Request headers sent with every delivery.
const (
	HeaderSignature  = "X-Dalston-Signature"
	HeaderTimestamp  = "X-Dalston-Timestamp"
	HeaderDeliveryID = "X-Dalston-Webhook-Id"
)

// SecretPrefix marks signing secrets so they are recognizable in configs.
const SecretPrefix = "whsec_"

// NewSecret generates a signing secret.
func NewSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(buf), nil
}

// Sign computes the signature header value for a payload at a timestamp:
// "sha256=" + hex(HMAC-SHA256(secret, "<unix_ts>.<canonical_payload>")).
// Receivers recompute over the canonical form, so the payload is
// canonicalized (keys sorted) before signing.
func Sign(secret string, unixTS int64, payload []byte) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unixTS, 10)))
	mac.Write([]byte("."))
	mac.Write(canonical)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature header value in constant time.
func Verify(secret string, unixTS int64, payload []byte, signature string) bool {
	expected, err := Sign(secret, unixTS, payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CanonicalJSON re-serializes a JSON document with object keys sorted at
// every level, so signer and verifier agree byte-for-byte.
func CanonicalJSON(payload []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse payload for signing: %w", err)
	}
	return marshalCanonical(doc)
}

func marshalCanonical(doc any) ([]byte, error) {
	switch v := doc.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, key...)
			out = append(out, ':')
			val, err := marshalCanonical(v[k])
			if err != nil {
				return nil, err
			}
			out = append(out, val...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte{'['}
		for i, item := range v {
			if i > 0 {
				out = append(out, ',')
			}
			val, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, val...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}
