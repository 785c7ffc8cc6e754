package prompt

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`{{\s*([\w.]+)\s*}}`)

// Render replaces {{ dotted.path }} placeholders with values looked up in ctx.
// Missing values render as an empty string; maps and slices render as JSON.
func Render(template string, ctx map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		return formatValue(lookup(ctx, path))
	})
}

func lookup(ctx map[string]any, path string) any {
	var current any = ctx
	for _, key := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[key]
			if !ok {
				return nil
			}
			current = value
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// toContextValue flattens v into the generic JSON shape Render walks.
func toContextValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
