package execstate

import (
	"encoding/json"
	"strings"
)

// ExtractOutput pulls the output out of a completion payload. Backends encode
// results differently, so it tries in order: an "output" field, a "content"
// field, then the payload itself when it is a primitive. Anything else yields
// no output.
func ExtractOutput(payload any) (any, bool) {
	switch v := payload.(type) {
	case map[string]any:
		if out, ok := v["output"]; ok && out != nil {
			return out, true
		}
		if content, ok := v["content"]; ok && content != nil {
			return content, true
		}
		return nil, false
	case string, bool, float64, float32, int, int64, json.Number:
		return v, true
	default:
		return nil, false
	}
}

// LooksLikeHandoff is a compatibility shim for backends that send a second
// completion for a phase whose payload is only the name of the next phase.
// Predicate: a string shorter than 30 bytes with no space or newline.
// Replace this once the backend emits a dedicated event for it.
func LooksLikeHandoff(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return len(s) < 30 && !strings.ContainsAny(s, " \n")
}

// BackendError reports whether a result payload carries an error, either as
// an "error" field or as the `_route: error` marker.
func BackendError(payload any) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	if msg := errorMessage(m["error"]); msg != "" {
		return msg, true
	}
	if route, _ := m["_route"].(string); route == "error" {
		if content, ok := m["content"].(string); ok && content != "" {
			return content, true
		}
		return "backend reported an error", true
	}
	return "", false
}

// errorMessage accepts a non-empty string or an object with a "message" or
// "error" string. Flags such as false or 0 are not errors.
func errorMessage(v any) string {
	switch e := v.(type) {
	case string:
		return strings.TrimSpace(e)
	case map[string]any:
		for _, key := range []string{"message", "error"} {
			if s, ok := e[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// numberField reads a numeric field from a map payload.
func numberField(payload any, keys ...string) (float64, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return 0, false
	}
	for _, key := range keys {
		switch n := m[key].(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func boolField(payload any, keys ...string) bool {
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	for _, key := range keys {
		if b, ok := m[key].(bool); ok && b {
			return true
		}
	}
	return false
}

// lineageFrom accepts a lineage as a list of names or a list of
// {"phase": name} objects.
func lineageFrom(payload any) []string {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["lineage"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			for _, key := range []string{"phase", "cell", "phase_name"} {
				if name, ok := v[key].(string); ok && name != "" {
					out = append(out, name)
					break
				}
			}
		}
	}
	return out
}
