package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// ToDots flattens nested maps and slices into a single level map whose keys
// are the dotted paths of the leaves. Strings are trimmed and other scalars
// are rendered as strings. Nil leaves are dropped.
func ToDots(obj map[string]interface{}) map[string]string {
	out := make(map[string]string, len(obj))
	toDots(out, obj, "")
	return out
}

func toDots(out map[string]string, value interface{}, path string) {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			toDots(out, child, path+key+".")
		}
	case map[string]string:
		for key, child := range v {
			out[path+key] = strings.TrimSpace(child)
		}
	case []interface{}:
		for i, child := range v {
			toDots(out, child, path+strconv.Itoa(i)+".")
		}
	case nil:
	default:
		out[strings.TrimSuffix(path, ".")] = scalarString(v)
	}
}

func scalarString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(s)
	}
}

// MergeProperties returns base overlaid with incoming. Neither input is modified.
func MergeProperties(base, incoming map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(incoming))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// Omit returns a copy of props without the given keys.
func Omit(props map[string]interface{}, keys ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// FirstNonEmpty returns the first argument that is not the empty string.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
