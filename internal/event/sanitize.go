package event

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxDepth       = 3
	MaxElements    = 50
	MaxStringRunes = 1000

	truncatedKey    = "_truncated"
	depthMarker     = "[max depth exceeded]"
	opaqueMarker    = "[unserializable value]"
	ellipsis        = "..."
	truncatedFormat = "[%d more elements truncated]"
)

var sensitiveSubstrings = []string{
	"api_key", "password", "secret", "token", "private_key", "auth_key",
	"encryption_key", "hash", "salt", "nonce", "session_id", "cookie",
}

// publicColumns survive redaction for non-privileged actors.
var publicColumns = map[string]struct{}{
	"id":         {},
	"status":     {},
	"created_at": {},
	"updated_at": {},
	"type":       {},
	"title":      {},
	"name":       {},
}

// IsSensitive reports whether a key name matches the denylist (case-insensitive substring).
func IsSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// SanitizeRow strips sensitive keys and bounds depth, size and string length.
// A nil row stays nil.
func SanitizeRow(row Row) Row {
	if row == nil {
		return nil
	}
	out, _ := sanitizeValue(row, 1).(Row)
	return out
}

// Redact keeps only public columns.
func Redact(row Row) Row {
	if row == nil {
		return nil
	}
	out := make(Row, len(publicColumns))
	for k, v := range row {
		if _, ok := publicColumns[strings.ToLower(k)]; ok {
			out[k] = v
		}
	}
	return out
}

func sanitizeValue(v any, depth int) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if depth > MaxDepth {
			return depthMarker
		}
		return sanitizeMap(t, depth)
	case []any:
		if depth > MaxDepth {
			return depthMarker
		}
		return sanitizeSlice(t, depth)
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return sanitizeValue(items, depth)
	case string:
		return truncateString(t)
	case []byte:
		return truncateString(string(t))
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return truncateString(t.String())
	default:
		return sanitizeReflect(v, depth)
	}
}

// sanitizeReflect converts typed containers (map[string]string, []Row,
// []int, structs) into their generic form so the same key and size rules
// apply to them.
func sanitizeReflect(v any, depth int) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
		}
		return sanitizeValue(m, depth)
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return truncateString(string(rv.Bytes()))
		}
		return sanitizeValue(elements(rv), depth)
	case reflect.Array:
		return sanitizeValue(elements(rv), depth)
	case reflect.Struct, reflect.Pointer:
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return opaqueMarker
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return opaqueMarker
		}
		return sanitizeValue(generic, depth)
	default:
		return v
	}
}

func elements(rv reflect.Value) []any {
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items
}

func sanitizeMap(m map[string]any, depth int) Row {
	keys := make([]string, 0, len(m))
	for k := range m {
		if IsSensitive(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Row, min(len(keys), MaxElements+1))
	for i, k := range keys {
		if i == MaxElements {
			out[truncatedKey] = fmt.Sprintf(truncatedFormat, len(keys)-MaxElements)
			break
		}
		out[k] = sanitizeValue(m[k], depth+1)
	}
	return out
}

func sanitizeSlice(s []any, depth int) []any {
	n := min(len(s), MaxElements)
	out := make([]any, 0, n+1)
	for _, v := range s[:n] {
		out = append(out, sanitizeValue(v, depth+1))
	}
	if len(s) > MaxElements {
		out = append(out, fmt.Sprintf(truncatedFormat, len(s)-MaxElements))
	}
	return out
}

func truncateString(s string) string {
	if utf8.RuneCountInString(s) <= MaxStringRunes {
		return s
	}
	r := []rune(s)
	return string(r[:MaxStringRunes-len(ellipsis)]) + ellipsis
}

func filterColumns(cols []string) []string {
	if len(cols) == 0 {
		return nil
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "" || IsSensitive(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
