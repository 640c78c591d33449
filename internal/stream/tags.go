package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultReservedTag wraps a whole tool invocation and is never a field.
const DefaultReservedTag = "mcptool"

// Fields maps tag names to tag bodies in order of first appearance.
type Fields = orderedmap.OrderedMap[string, string]

// ExtractTags collects every well-formed <name>body</name> pair in text. The
// closing tag is the nearest matching one. A repeated name keeps its first
// position and takes the last body. The reserved tag is descended into rather
// than recorded, and unmatched fragments are skipped.
func ExtractTags(text, reserved string) *Fields {
	fields := orderedmap.New[string, string]()
	for i := 0; i < len(text); {
		rel := strings.IndexByte(text[i:], '<')
		if rel < 0 {
			break
		}
		start := i + rel
		name, bodyStart, ok := openingTag(text, start)
		if !ok {
			i = start + 1
			continue
		}
		if name == reserved {
			i = bodyStart
			continue
		}
		closing := "</" + name + ">"
		bodyLen := strings.Index(text[bodyStart:], closing)
		if bodyLen < 0 {
			i = start + 1
			continue
		}
		fields.Set(name, text[bodyStart:bodyStart+bodyLen])
		i = bodyStart + bodyLen + len(closing)
	}
	return fields
}

// openingTag parses "<name>" at text[at] and returns the name and the index
// just past '>'.
func openingTag(text string, at int) (string, int, bool) {
	j := at + 1
	for j < len(text) && isWordByte(text[j]) {
		j++
	}
	if j == at+1 || j >= len(text) || text[j] != '>' {
		return "", 0, false
	}
	return text[at+1 : j], j + 1, true
}

func isWordByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// FormatTags renders fields as an indented JSON object in insertion order.
func FormatTags(fields *Fields) string {
	if fields == nil || fields.Len() == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteString("{\n")
	for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
		b.WriteString("  ")
		b.WriteString(quoteJSON(pair.Key))
		b.WriteString(": ")
		b.WriteString(quoteJSON(pair.Value))
		if pair.Next() != nil {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("}")
	return b.String()
}

func quoteJSON(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}
