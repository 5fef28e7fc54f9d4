package reasoning

import "strings"

// ExtractJSONBlock returns the outermost JSON object in a model reply,
// stripping markdown code fences when present.
func ExtractJSONBlock(response string) (string, bool) {
	stripped := response
	for _, fence := range []string{"```json", "```JSON", "```"} {
		if idx := strings.Index(stripped, fence); idx != -1 {
			stripped = stripped[idx+len(fence):]
			if end := strings.Index(stripped, "```"); end != -1 {
				stripped = stripped[:end]
			}
			break
		}
	}

	jsonStart := strings.Index(stripped, "{")
	jsonEnd := strings.LastIndex(stripped, "}")
	if jsonStart != -1 && jsonEnd != -1 && jsonEnd > jsonStart {
		return stripped[jsonStart : jsonEnd+1], true
	}
	return "", false
}
