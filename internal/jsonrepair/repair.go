// Package jsonrepair recovers parseable JSON from the loosely structured
// text a generation endpoint returns: code-fence wrappers, prose around
// the object, and truncated output from length-limited responses.
package jsonrepair

import (
	"encoding/json"
	"strings"

	"github.com/lexatlas/contentgen/internal/domain"
)

// Repair extracts and structurally repairs the outermost JSON value in
// raw. It is pure and idempotent on its own successful output. When no
// reasonable recovery is possible it returns a *domain.RepairError.
func Repair(raw string) (string, error) {
	text := stripFences(raw)

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", &domain.RepairError{Reason: "no object or array start found"}
	}
	text = text[start:]

	candidate, complete := scanBalanced(text)
	if !complete {
		candidate = closeTruncated(candidate)
	}

	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}

	// Last resort: trailing commas and duplicated separators.
	cleaned := cleanupSeparators(candidate)
	if json.Valid([]byte(cleaned)) {
		return cleaned, nil
	}

	return "", &domain.RepairError{Reason: "text is not valid JSON after structural repair"}
}

// RepairObject repairs raw and decodes it into a generic object. A top
// level array is rejected: every pipeline stage expects an object.
func RepairObject(raw string) (map[string]any, error) {
	fixed, err := Repair(raw)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(fixed), &obj); err != nil {
		return nil, &domain.RepairError{Reason: "repaired text is not an object"}
	}
	return obj, nil
}

// stripFences removes markdown code-fence wrappers, with or without a
// language tag, keeping only the fenced body when one exists.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	idx := strings.Index(trimmed, "```")
	if idx < 0 {
		return trimmed
	}
	body := trimmed[idx+3:]
	// Drop the language tag on the fence line, if any.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(body[:nl])
		if firstLine != "" && !strings.ContainsAny(firstLine, "{[") {
			body = body[nl+1:]
		}
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// scanBalanced walks text from its first delimiter tracking nesting depth
// while respecting quoted strings and escape sequences. It returns the
// substring up to the matching outermost close and true when the value is
// fully closed, or the whole text and false when it is truncated.
func scanBalanced(text string) (string, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[:i+1], true
			}
		}
	}
	return text, false
}

// closeTruncated appends the closers a truncated value is missing: it
// terminates an open string (dropping a dangling escape first), trims a
// dangling separator, and closes every container still open, inferring
// the order from a rescan of the nesting stack.
func closeTruncated(text string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(text)

	if inString {
		s := b.String()
		b.Reset()
		if escaped {
			// A lone trailing backslash would swallow the closing quote.
			s = s[:len(s)-1]
		} else {
			s = trimIncompleteEscape(s)
		}
		b.WriteString(s)
		b.WriteByte('"')
	}

	out := strings.TrimRight(b.String(), " \t\r\n")
	if strings.HasSuffix(out, ",") {
		out = out[:len(out)-1]
	} else if strings.HasSuffix(out, ":") {
		out += "null"
	}

	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}

// trimIncompleteEscape drops a trailing \uXXXX escape that was cut
// before its fourth hex digit; sealing it with a quote would produce an
// invalid escape sequence.
func trimIncompleteEscape(s string) string {
	i := len(s)
	for i > 0 && len(s)-i < 3 && isHexDigit(s[i-1]) {
		i--
	}
	if i < 2 || s[i-1] != 'u' || s[i-2] != '\\' {
		return s
	}
	// An even run of backslashes means the last one is escaped data, not
	// an escape introducer, so the trailing u and digits are literal.
	run := 0
	for j := i - 2; j >= 0 && s[j] == '\\'; j-- {
		run++
	}
	if run%2 == 0 {
		return s
	}
	return s[:i-2]
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// cleanupSeparators removes trailing commas before closers and collapses
// duplicated commas, outside of string context.
func cleanupSeparators(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escaped := false
	pendingComma := false
	pendingWS := ""

	flushComma := func() {
		if pendingComma {
			b.WriteByte(',')
			b.WriteString(pendingWS)
			pendingComma = false
			pendingWS = ""
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			flushComma()
			inString = true
			b.WriteByte(c)
		case ',':
			// Collapse runs; drop entirely when a closer follows.
			pendingComma = true
			pendingWS = ""
		case '}', ']':
			pendingComma = false
			pendingWS = ""
			b.WriteByte(c)
		case ' ', '\t', '\r', '\n':
			if pendingComma {
				pendingWS += string(c)
			} else {
				b.WriteByte(c)
			}
		default:
			flushComma()
			b.WriteByte(c)
		}
	}
	return b.String()
}
