package api

import "strings"

// forbiddenPayloadKeys are dropped from every payload that leaves the private
// boundary, on top of the substring checks in sanitizePayload.
var forbiddenPayloadKeys = map[string]struct{}{
	"exchange_order_id": {},
	"idempotency_key":   {},
	"ciphertext":        {},
	"nonce":             {},
	"api_key":           {},
	"secret":            {},
	"id":                {},
	"trade_id":          {},
}

// sanitizePayload returns a copy of payload with every forbidden key removed:
// the fixed deny set plus any key whose lowercased name contains "secret" or
// "key". Nested maps are sanitized recursively. The input is never mutated.
func sanitizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		lk := strings.ToLower(k)
		if _, bad := forbiddenPayloadKeys[lk]; bad {
			continue
		}
		if strings.Contains(lk, "secret") || strings.Contains(lk, "key") {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = sanitizePayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}
