package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// SummaryDetails is the structured payload behind the formatted minutes.
type SummaryDetails struct {
	Summary     string   `json:"summary,omitempty"`
	Agenda      []string `json:"agenda"`
	Decisions   []string `json:"decisions"`
	Todo        []string `json:"todo"`
	NextActions []string `json:"next_actions"`
	NextMeeting string   `json:"next_meeting,omitempty"`
}

type summaryResponse struct {
	Summary string         `json:"summary"`
	Details SummaryDetails `json:"details"`
}

var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseSummaryResponse extracts the structured summary from the model's
// answer. Code fences are stripped; a non-JSON answer degrades to a plain
// summary with empty details.
func parseSummaryResponse(raw string) (string, SummaryDetails) {
	cleaned := strings.TrimSpace(raw)
	if m := codeFence.FindStringSubmatch(cleaned); m != nil {
		cleaned = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(cleaned, "{") {
		var parsed summaryResponse
		if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil {
			return parsed.Summary, parsed.Details
		}
	}
	return strings.TrimSpace(raw), SummaryDetails{}
}

// formatSummary renders the minutes Markdown with the fixed heading set.
// Sections without content are omitted. Output is LF-only with trailing
// whitespace trimmed.
func formatSummary(summary string, d SummaryDetails) string {
	var lines []string
	if summary != "" {
		lines = append(lines, "# 要約\n"+summary, "")
	}
	if len(d.Agenda) > 0 {
		lines = append(lines, "## 議題・議論内容")
		for _, item := range d.Agenda {
			lines = append(lines, "- "+item)
		}
		lines = append(lines, "")
	}
	if len(d.Decisions) > 0 {
		lines = append(lines, "## 決定事項")
		for _, item := range d.Decisions {
			lines = append(lines, "- "+item)
		}
		lines = append(lines, "")
	}
	if len(d.Todo) > 0 {
		lines = append(lines, "## ToDo")
		for _, item := range d.Todo {
			lines = append(lines, "- [ ] "+item)
		}
		lines = append(lines, "")
	}
	if len(d.NextActions) > 0 {
		lines = append(lines, "## 次のアクション")
		for _, item := range d.NextActions {
			lines = append(lines, "- "+item)
		}
		lines = append(lines, "")
	}
	if d.NextMeeting != "" {
		lines = append(lines, "## 次回会議\n"+d.NextMeeting)
	}
	return normalizeMarkdown(strings.Join(lines, "\n"))
}

func marshalDetails(d SummaryDetails) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(b), nil
}

// normalizeMarkdown converts CRLF to LF and trims trailing whitespace
// from every line and from the document.
func normalizeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	parts := strings.Split(s, "\n")
	for i, line := range parts {
		parts[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
