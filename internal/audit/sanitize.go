package audit

import (
	"encoding/json"
	"strings"
)

// Redacted replaces the value of every sensitive key.
const Redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"password", "token", "secret", "ssn", "social_security", "credit_card",
	"card_number", "cvv", "pin", "api_key", "authorization", "cookie",
	"private_key", "bank_account", "account_number",
}

// IsSensitiveKey reports whether a detail key must be redacted. Matching is
// case-insensitive and treats '-' and camelCase boundaries like '_'.
func IsSensitiveKey(key string) bool {
	plain := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(key))
	camel := normalizeKey(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(plain, s) || strings.Contains(camel, s) {
			return true
		}
	}
	return false
}

func normalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key) + 4)
	for i, r := range key {
		switch {
		case r == '-' || r == ' ':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeDetails returns a deep copy of details with sensitive values
// replaced at any depth.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out, _ := Sanitize(details).(map[string]any)
	return out
}

// Sanitize deep-copies v, redacting sensitive keys in nested maps and slices.
// Values of other types are normalized through JSON first.
func Sanitize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = Sanitize(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return Redacted
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return Redacted
		}
		return Sanitize(generic)
	}
}
