package ingest

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"rag.evalgo.org/common"
)

var (
	htmlTagPattern    = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlScriptPattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
)

// ExtractText turns raw file bytes into plain text according to the declared
// MIME type. Unsupported or undecodable content fails with a validation
// error; the pipeline treats that as permanent and does not retry.
func ExtractText(data []byte, mimeType string) (string, error) {
	base := mimeType
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = base[:idx]
	}
	base = strings.TrimSpace(strings.ToLower(base))

	switch base {
	case "text/html", "application/xhtml+xml":
		if !utf8.Valid(data) {
			return "", invalidEncoding(base)
		}
		stripped := htmlScriptPattern.ReplaceAllString(string(data), " ")
		stripped = htmlTagPattern.ReplaceAllString(stripped, " ")
		return collapseWhitespace(stripped), nil

	case "application/json":
		var payload interface{}
		if err := json.Unmarshal(data, &payload); err != nil {
			return "", common.Wrap(common.KindValidation, "UNPARSEABLE", "file is not valid JSON", err)
		}
		var sb strings.Builder
		flattenJSON(payload, &sb)
		return strings.TrimSpace(sb.String()), nil

	case "text/plain", "text/markdown", "text/csv", "text/x-markdown", "":
		if !utf8.Valid(data) {
			return "", invalidEncoding(base)
		}
		return string(data), nil

	default:
		if strings.HasPrefix(base, "text/") && utf8.Valid(data) {
			return string(data), nil
		}
		return "", common.E(common.KindValidation, "UNSUPPORTED_TYPE",
			"cannot extract text from "+mimeType).
			WithSuggestions("upload plain text, markdown, HTML, CSV or JSON")
	}
}

func invalidEncoding(mime string) error {
	return common.E(common.KindValidation, "UNPARSEABLE", "file declared as "+mime+" is not valid UTF-8")
}

// flattenJSON walks the document and collects scalar values as lines, so
// structured exports remain searchable.
func flattenJSON(value interface{}, sb *strings.Builder) {
	switch v := value.(type) {
	case map[string]interface{}:
		for _, key := range sortedKeys(v) {
			sb.WriteString(key)
			sb.WriteString(": ")
			flattenJSON(v[key], sb)
		}
	case []interface{}:
		for _, item := range v {
			flattenJSON(item, sb)
		}
	case string:
		sb.WriteString(v)
		sb.WriteString("\n")
	case float64:
		sb.WriteString(jsonNumber(v))
		sb.WriteString("\n")
	case bool:
		if v {
			sb.WriteString("true\n")
		} else {
			sb.WriteString("false\n")
		}
	}
}

func jsonNumber(v float64) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func collapseWhitespace(s string) string {
	var sb strings.Builder
	lastSpace := false
	lastNewline := 0
	for _, r := range s {
		if r == '\n' {
			if lastNewline < 2 {
				sb.WriteRune('\n')
				lastNewline++
			}
			lastSpace = true
			continue
		}
		if r == ' ' || r == '\t' || r == '\r' {
			if !lastSpace {
				sb.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		sb.WriteRune(r)
		lastSpace = false
		lastNewline = 0
	}
	return strings.TrimSpace(sb.String())
}
