package engine

import "strings"

// jsonFence marks the start of a fenced JSON block in generator output.
const jsonFence = "```json"

// ExtractBlock pulls the structured plan block out of raw generator output.
// A fenced ```json block wins when present; otherwise the span from the
// first '{' to the last '}' is taken. Models decorate their answers with
// prose and markdown, so extraction never assumes the response is bare JSON.
func ExtractBlock(raw string) (string, bool) {
	if i := strings.Index(raw, jsonFence); i >= 0 {
		rest := raw[i+len(jsonFence):]
		if j := strings.Index(rest, "```"); j >= 0 {
			block := strings.TrimSpace(rest[:j])
			if block != "" {
				return block, true
			}
		}
	}

	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}
