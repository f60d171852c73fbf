package skilllibrary

import "strconv"

// The metadata helpers below mirror internal/pai's coercion helpers: a
// backend.Backend round-trips Metadata.Extra through JSON, so values may
// arrive back as native Go types (direct from an in-memory fake) or as
// float64/[]any/map[string]any (after a JSON decode).

func orDefaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func metaFloat(m map[string]any, key string, def float64) float64 {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func metaInt(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func metaStringSlice(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func metaSteps(m map[string]any, key string) []Step {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []Step:
		return v
	case []map[string]any:
		out := make([]Step, 0, len(v))
		for _, item := range v {
			out = append(out, Step{
				Title:        metaString(item, "title"),
				Description:  metaString(item, "description"),
				Agent:        metaString(item, "agent"),
				FilePatterns: metaStringSlice(item, "file_patterns"),
			})
		}
		return out
	case []any:
		out := make([]Step, 0, len(v))
		for _, raw := range v {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, Step{
				Title:        metaString(item, "title"),
				Description:  metaString(item, "description"),
				Agent:        metaString(item, "agent"),
				FilePatterns: metaStringSlice(item, "file_patterns"),
			})
		}
		return out
	}
	return nil
}

func metaParameters(m map[string]any, key string) map[string]Parameter {
	if m == nil {
		return nil
	}
	raw, ok := m[key]
	if !ok {
		return nil
	}
	asMap, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := map[string]Parameter{}
	for name, v := range asMap {
		pm, ok := v.(map[string]any)
		if !ok {
			continue
		}
		required, _ := pm["required"].(bool)
		out[name] = Parameter{
			Type:        metaString(pm, "type"),
			Required:    required,
			Default:     metaString(pm, "default"),
			Description: metaString(pm, "description"),
		}
	}
	return out
}
