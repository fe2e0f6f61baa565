package orchestrator

// CloneEnvironment deep copies the map and slice containers of env. Leaf
// values are shared.
func CloneEnvironment(env map[string]any) map[string]any {
	if env == nil {
		return map[string]any{}
	}
	return cloneMap(env)
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = cloneMap(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
