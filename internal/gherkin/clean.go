package gherkin

import "strings"

// Clean strips code fences, user-story lines and Background blocks from
// model output, collapses blank runs and puts one blank line after the
// Feature line.
func Clean(content string) string {
	content = strings.ReplaceAll(content, "```gherkin", "")
	content = strings.ReplaceAll(content, "```", "")

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "As a"),
			strings.HasPrefix(trimmed, "I want"),
			strings.HasPrefix(trimmed, "So that"),
			strings.HasPrefix(trimmed, "Background:"):
			skipping = true
			continue
		case strings.HasPrefix(trimmed, "Feature:"), strings.HasPrefix(trimmed, "Scenario"):
			skipping = false
		}
		if skipping {
			continue
		}
		kept = append(kept, strings.TrimRight(line, " \t\r"))
	}

	var out []string
	blank := true // drops leading blanks
	for _, line := range kept {
		if line == "" {
			if !blank {
				out = append(out, "")
				blank = true
			}
			continue
		}
		out = append(out, line)
		blank = false
		if strings.HasPrefix(strings.TrimSpace(line), "Feature:") {
			out = append(out, "")
			blank = true
		}
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
