package session

// Prune removes nil values, empty strings, empty slices and empty maps from a
// decoded JSON value, recursively. Numbers and booleans are kept even when
// zero. The bool result is false when v itself prunes away.
func Prune(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		return val, val != ""
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if pruned, ok := Prune(child); ok {
				out[k] = pruned
			}
		}
		return out, len(out) > 0
	case []any:
		out := make([]any, 0, len(val))
		for _, child := range val {
			if pruned, ok := Prune(child); ok {
				out = append(out, pruned)
			}
		}
		return out, len(out) > 0
	default:
		return val, true
	}
}
