package flow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// Markers that identify an upstream failure leaking through a
// variable. Substituting such a value into a downstream prompt would
// cascade the failure, so it is replaced with a sentinel instead.
var errorMarkers = []string{
	"error processing",
	"recursion limit",
	"failed to",
	"error:",
}

// Substitute resolves {name} and {dotted.path} placeholders in a
// template against the variable view. Replacement is purely
// string-level: "$" and "\" in values pass through untouched and
// never act as pattern metacharacters. Unresolved placeholders are
// kept verbatim. A resolved value that looks like an upstream error
// is replaced with "[Previous step failed: <name>]".
func Substitute(template string, vars map[string]interface{}) string {
	if template == "" || !strings.Contains(template, "{") {
		return template
	}
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := resolvePath(vars, name)
		if !ok {
			return match
		}
		s := stringify(value)
		if looksLikeError(s) {
			return "[Previous step failed: " + name + "]"
		}
		return s
	})
}

// resolvePath walks a dotted path through nested maps and slices.
// Numeric segments index into slices.
func resolvePath(vars map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := vars[path]; ok {
		return v, true
	}
	segments := strings.Split(path, ".")
	var current interface{} = vars
	for _, seg := range segments {
		switch c := current.(type) {
		case map[string]interface{}:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			current = c[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a variable value for inclusion in a template.
// Structured values render as JSON so prompts receive usable text.
func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprintf("%v", s)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func looksLikeError(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
