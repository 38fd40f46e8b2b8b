package pipeline

import (
	"strings"
	"testing"
)

func TestParseSummaryResponse(t *testing.T) {
	jsonBody := `{
		"summary": "週次定例の要約です。",
		"details": {
			"agenda": ["進捗確認"],
			"decisions": ["リリースは金曜"],
			"todo": ["資料更新（田中）"],
			"next_actions": ["顧客へ連絡"],
			"next_meeting": "来週月曜 10:00"
		}
	}`

	t.Run("plain_json", func(t *testing.T) {
		summary, details := parseSummaryResponse(jsonBody)
		if summary != "週次定例の要約です。" {
			t.Errorf("summary = %q", summary)
		}
		if len(details.Agenda) != 1 || details.Agenda[0] != "進捗確認" {
			t.Errorf("agenda = %v", details.Agenda)
		}
		if details.NextMeeting != "来週月曜 10:00" {
			t.Errorf("next_meeting = %q", details.NextMeeting)
		}
	})

	t.Run("json_code_fence", func(t *testing.T) {
		summary, details := parseSummaryResponse("```json\n" + jsonBody + "\n```")
		if summary != "週次定例の要約です。" {
			t.Errorf("summary = %q", summary)
		}
		if len(details.Decisions) != 1 {
			t.Errorf("decisions = %v", details.Decisions)
		}
	})

	t.Run("bare_code_fence", func(t *testing.T) {
		summary, _ := parseSummaryResponse("```\n" + jsonBody + "\n```")
		if summary != "週次定例の要約です。" {
			t.Errorf("summary = %q", summary)
		}
	})

	t.Run("plain_text_fallback", func(t *testing.T) {
		summary, details := parseSummaryResponse("  会議では特に決定事項はありませんでした。 ")
		if summary != "会議では特に決定事項はありませんでした。" {
			t.Errorf("summary = %q", summary)
		}
		if len(details.Agenda) != 0 || len(details.Todo) != 0 {
			t.Errorf("details not empty: %+v", details)
		}
	})

	t.Run("broken_json_fallback", func(t *testing.T) {
		summary, details := parseSummaryResponse(`{"summary": "unterminated`)
		if !strings.HasPrefix(summary, `{"summary"`) {
			t.Errorf("summary = %q", summary)
		}
		if len(details.Agenda) != 0 {
			t.Errorf("details = %+v", details)
		}
	})
}

func TestFormatSummary(t *testing.T) {
	t.Run("all_sections", func(t *testing.T) {
		got := formatSummary("概要です。", SummaryDetails{
			Agenda:      []string{"項目A", "項目B"},
			Decisions:   []string{"決定X"},
			Todo:        []string{"作業1（佐藤）"},
			NextActions: []string{"フォローアップ"},
			NextMeeting: "8月29日",
		})

		for _, want := range []string{
			"# 要約\n概要です。",
			"## 議題・議論内容\n- 項目A\n- 項目B",
			"## 決定事項\n- 決定X",
			"## ToDo\n- [ ] 作業1（佐藤）",
			"## 次のアクション\n- フォローアップ",
			"## 次回会議\n8月29日",
		} {
			if !strings.Contains(got, want) {
				t.Errorf("missing section:\n%s\nin:\n%s", want, got)
			}
		}
		if strings.Contains(got, "\r") {
			t.Error("output contains CR")
		}
		if strings.HasSuffix(got, "\n") {
			t.Error("trailing newline not trimmed")
		}
	})

	t.Run("empty_sections_omitted", func(t *testing.T) {
		got := formatSummary("概要のみ。", SummaryDetails{})
		if got != "# 要約\n概要のみ。" {
			t.Errorf("got:\n%q", got)
		}
		if strings.Contains(got, "##") {
			t.Error("empty sections rendered")
		}
	})

	t.Run("heading_order", func(t *testing.T) {
		got := formatSummary("s", SummaryDetails{
			Agenda:      []string{"a"},
			Decisions:   []string{"d"},
			Todo:        []string{"t"},
			NextActions: []string{"n"},
			NextMeeting: "m",
		})
		order := []string{"# 要約", "## 議題・議論内容", "## 決定事項", "## ToDo", "## 次のアクション", "## 次回会議"}
		last := -1
		for _, h := range order {
			i := strings.Index(got, h)
			if i < 0 {
				t.Fatalf("missing heading %q", h)
			}
			if i < last {
				t.Errorf("heading %q out of order", h)
			}
			last = i
		}
	})
}

func TestNormalizeMarkdown(t *testing.T) {
	got := normalizeMarkdown("line1  \r\nline2\t\r\n\r\n")
	if got != "line1\nline2" {
		t.Errorf("got %q", got)
	}
}
