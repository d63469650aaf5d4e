package pipeline

import (
	"strings"

	"github.com/google/shlex"
)

// deniedChatCommand reports whether text's first token is the named chat
// command (e.g. "countdown" for "!countdown"), mirroring how upstream
// parses chat input: trim, attempt shell-style tokenization, fall back to a
// plain whitespace split on tokenization failure, take the first token, and
// match case-insensitively provided it's prefixed with "!".
func deniedChatCommand(text, name string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	var first string
	if tokens, err := shlex.Split(trimmed); err == nil && len(tokens) > 0 {
		first = tokens[0]
	} else {
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			return false
		}
		first = fields[0]
	}

	if !strings.HasPrefix(first, "!") {
		return false
	}
	return strings.EqualFold(first[1:], name)
}
