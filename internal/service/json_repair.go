package service

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

// diagnosticPrefixLen bounds how much raw body travels in error messages.
const diagnosticPrefixLen = 100

// NormalizeProviderBody parses a 2xx provider body, repairing common
// defects once, and normalizes it to an OpenAI-shaped envelope. A top-level
// "error" object surfaces as an UpstreamError-equivalent RouterError;
// salvageable non-standard shapes wrap into a synthetic single-choice
// envelope.
func NormalizeProviderBody(body []byte, logger *zap.Logger) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		repaired := RepairJSON(body)
		if !gjson.ValidBytes(repaired) {
			return nil, models.Errorf(models.ErrProviderFailure,
				"unparseable provider body: %s", bodyPrefix(body))
		}
		logger.Warn("repaired malformed provider JSON",
			zap.Int("original_bytes", len(body)),
			zap.Int("repaired_bytes", len(repaired)))
		body = repaired
	}

	doc := gjson.ParseBytes(body)

	if errVal := doc.Get("error"); errVal.Exists() && errVal.IsObject() {
		msg := errVal.Get("message").String()
		if msg == "" {
			msg = errVal.Raw
		}
		return nil, &models.RouterError{
			Kind:    models.ErrProviderFailure,
			Message: "provider error: " + truncate(msg, diagnosticPrefixLen),
		}
	}

	if doc.Get("choices").IsArray() {
		return body, nil
	}

	// Salvage non-standard shapes: a top-level content / message / text
	// string becomes a synthetic one-choice envelope.
	salvaged := salvageText(doc)
	if salvaged == "" {
		logger.Warn("unknown provider response shape, wrapping synthetically",
			zap.String("body_prefix", bodyPrefix(body)))
	}
	wrapped := `{"object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`
	wrapped, _ = sjson.Set(wrapped, "choices.0.message.content", salvaged)
	if model := doc.Get("model"); model.Exists() {
		wrapped, _ = sjson.Set(wrapped, "model", model.String())
	}
	if usage := doc.Get("usage"); usage.IsObject() {
		wrapped, _ = sjson.SetRaw(wrapped, "usage", usage.Raw)
	}
	return []byte(wrapped), nil
}

// salvageText pulls the best text candidate out of a non-standard body.
func salvageText(doc gjson.Result) string {
	for _, path := range []string{"content", "message", "text"} {
		v := doc.Get(path)
		if !v.Exists() {
			continue
		}
		if v.Type == gjson.String {
			return v.String()
		}
		if v.IsObject() {
			if inner := v.Get("content"); inner.Type == gjson.String {
				return inner.String()
			}
		}
	}
	return ""
}

// RepairJSON runs one permissive pass over a malformed body: strips control
// characters, re-escapes raw-JSON tool-call arguments, closes an unclosed
// trailing string, and balances open braces and brackets.
func RepairJSON(body []byte) []byte {
	s := stripControlChars(string(body))
	s = reescapeToolArguments(s)
	s = balanceDelimiters(s)
	return []byte(s)
}

// stripControlChars drops unescaped control characters that strict parsers
// reject, keeping \n and \t.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// reescapeToolArguments fixes the common provider defect of emitting
// tool-call arguments as a nested raw object instead of a JSON-encoded
// string: {"arguments": {...}} becomes {"arguments": "{...}"}.
func reescapeToolArguments(s string) string {
	const marker = `"arguments":`
	var b strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, marker)
		if idx < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:idx+len(marker)])
		rest = rest[idx+len(marker):]

		trimmed := strings.TrimLeft(rest, " \t\n\r")
		if len(trimmed) == 0 || trimmed[0] != '{' {
			continue
		}
		obj, remaining, ok := scanBalancedObject(trimmed)
		if !ok {
			continue
		}
		encoded, err := json.Marshal(obj)
		if err != nil {
			continue
		}
		b.Write(encoded)
		rest = remaining
	}
}

// scanBalancedObject reads one {...} block respecting string literals.
func scanBalancedObject(s string) (string, string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], s[i+1:], true
			}
		}
	}
	return "", s, false
}

// balanceDelimiters closes an unterminated string and appends the missing
// closing braces and brackets in nesting order.
func balanceDelimiters(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// bodyPrefix returns the diagnostic prefix of a raw body.
func bodyPrefix(body []byte) string {
	return truncate(string(body), diagnosticPrefixLen)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
