package generation

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

var (
	contentFieldRe     = regexp.MustCompile(`"content"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	argumentsFieldRe   = regexp.MustCompile(`"arguments"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	messageTypeFieldRe = regexp.MustCompile(`"message_type"\s*:\s*"([^"]*)"`)
	roleFieldRe        = regexp.MustCompile(`"role"\s*:\s*"([^"]*)"`)
	messageFieldRe     = regexp.MustCompile(`"message"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// RecoverContent pulls post text out of a body the JSON decoder rejected, usually
// because of raw control characters inside string literals. The body is cut into
// top-level message objects and only assistant output is considered: the last
// non-empty "content" of an assistant message first, then the last tool-call
// "arguments" (using its "message" key, itself recovered when the arguments are
// malformed too).
// User and system messages carry the prompt and are never returned.
func RecoverContent(body []byte) (string, bool) {
	msgs := splitMessages(body)

	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].carries(MessageTypeAssistant) {
			continue
		}
		if s, ok := lastNonEmpty(contentFieldRe, msgs[i].raw); ok {
			return s, true
		}
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].carries(MessageTypeToolCall) {
			continue
		}
		raw, ok := lastNonEmpty(argumentsFieldRe, msgs[i].raw)
		if !ok {
			continue
		}
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &args); err == nil {
			if msg, ok := args["message"].(string); ok && strings.TrimSpace(msg) != "" {
				return msg, true
			}
		} else if msg, ok := lastNonEmpty(messageFieldRe, []byte(raw)); ok {
			return msg, true
		}
		return raw, true
	}
	return "", false
}

type rawMessage struct {
	raw         []byte
	messageType string
	role        string
}

// carries reports whether the message may hold output of the given type. Messages
// without a type are accepted unless their role marks them as input.
func (m rawMessage) carries(messageType string) bool {
	if m.role == "user" || m.role == "system" {
		return false
	}
	return m.messageType == "" || m.messageType == messageType
}

// splitMessages cuts a JSON array body into its top-level objects. It tracks string
// literals so braces inside text do not count, and keeps an unterminated trailing
// object. Anything that is not an array is one message.
func splitMessages(body []byte) []rawMessage {
	trimmed := bytes.TrimSpace(body)
	var spans [][]byte
	if len(trimmed) > 0 && trimmed[0] == '[' {
		depth, start := 0, -1
		inString, escaped := false, false
		for i := 1; i < len(trimmed); i++ {
			c := trimmed[i]
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
				if depth == 0 {
					start = i
				}
				depth++
			case '}':
				if depth == 0 {
					continue
				}
				depth--
				if depth == 0 {
					spans = append(spans, trimmed[start:i+1])
					start = -1
				}
			}
		}
		if start >= 0 {
			spans = append(spans, trimmed[start:])
		}
	} else {
		spans = [][]byte{trimmed}
	}

	out := make([]rawMessage, 0, len(spans))
	for _, span := range spans {
		m := rawMessage{raw: span}
		// first occurrence: runtimes write these keys ahead of nested objects
		if match := messageTypeFieldRe.FindSubmatch(span); match != nil {
			m.messageType = string(match[1])
		}
		if match := roleFieldRe.FindSubmatch(span); match != nil {
			m.role = string(match[1])
		}
		out = append(out, m)
	}
	return out
}

func lastNonEmpty(re *regexp.Regexp, body []byte) (string, bool) {
	matches := re.FindAllSubmatch(body, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		s := unescape(string(matches[i][1]))
		if strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

// unescape resolves the escapes a JSON encoder emits for text. Unknown escapes are kept as written.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		case '/':
			b.WriteByte('/')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
