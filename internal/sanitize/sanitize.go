// Package sanitize implements the response sanitizer: a pre-serialization
// filter stripping credential-shaped keys from any outbound body.
package sanitize

import "strings"

// RedactionPlaceholder replaces the value of any sanitized field.
const RedactionPlaceholder = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"apikey":     {},
	"privatekey": {},
	"password":   {},
}

// Body walks an arbitrary JSON-shaped value (the result of
// json.Unmarshal into interface{}, or a map[string]interface{}/
// []interface{} tree built by hand) and replaces the value of any key
// whose name case-insensitively equals apiKey, privateKey, or password.
// Running Body on an already-sanitized value is a no-op (idempotence).
func Body(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if isSensitiveKey(k) {
				out[k] = RedactionPlaceholder
				continue
			}
			out[k] = Body(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = Body(inner)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}
