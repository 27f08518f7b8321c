package notification

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"
)

func modelURL(d map[string]any) string {
	return "/models/" + str(d, "modelId")
}

func str(d map[string]any, key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return num(d, key)
	}
}

// num formats a numeric field. Details read back from JSON hold float64.
func num(d map[string]any, key string) string {
	switch v := d[key].(type) {
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case string:
		return v
	default:
		return "0"
	}
}

// splitUppercase inserts a space before each capitalized word, so
// "TextualInversion" becomes "Textual Inversion" while "LORA" stays whole.
func splitUppercase(s string) string {
	rs := []rune(strings.TrimSpace(s))
	var b strings.Builder
	for i, r := range rs {
		if i > 0 && unicode.IsUpper(r) && rs[i-1] != ' ' {
			prevLower := unicode.IsLower(rs[i-1])
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if prevLower || (unicode.IsUpper(rs[i-1]) && nextLower) {
				b.WriteByte(' ')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
