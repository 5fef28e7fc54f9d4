package chathistory

import (
	"strings"

	"github.com/kubilitics/kubilitics-reasoner/internal/llm/types"
)

// DefaultMaxChars bounds the rendered history when no limit is given.
const DefaultMaxChars = 4000

// FormatContext renders prior turns for prompts. When the rendering exceeds
// maxChars the oldest turns are dropped first; a single turn longer than the
// limit is cut from the front.
func FormatContext(messages []types.Message, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		lines = append(lines, label(m.Role)+": "+content)
	}

	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := len([]rune(lines[i]))
		if i < len(lines)-1 {
			n += 2
		}
		if total+n > maxChars {
			break
		}
		total += n
		start = i
	}

	if start == len(lines) && len(lines) > 0 {
		if maxChars < 4 {
			return ""
		}
		last := []rune(lines[len(lines)-1])
		return "..." + string(last[len(last)-maxChars+3:])
	}
	return strings.Join(lines[start:], "\n\n")
}

func label(role string) string {
	switch role {
	case types.RoleUser:
		return "User"
	case types.RoleAssistant:
		return "Assistant"
	case types.RoleSystem:
		return "System"
	}
	return role
}
