package pipeline

import "fmt"

// correctionPrompt asks the model to fix recognition errors without
// changing meaning. Rules mirror the output contract: the model answers
// with the corrected text only.
func correctionPrompt(text string) string {
	return fmt.Sprintf(`以下は音声認識システムで書き起こされた日本語テキストです。
音声認識の誤りや不自然な表現を修正し、読みやすく整形してください。

修正のルール:
1. 誤字脱字を修正する
2. 文脈から明らかに間違っている単語を正しい単語に置き換える
3. 句読点を適切に追加する
4. 改行を適切に追加して読みやすくする
5. 元の意味を変えない
6. 敬語や話し言葉はそのまま残す
7. 専門用語や固有名詞は文脈から推測して正確に修正する

【元のテキスト】
%s

【修正後のテキスト】
`, text)
}

// summaryPrompt asks for a structured meeting summary as JSON; the
// service renders the Markdown itself so the headings stay fixed.
func summaryPrompt(text string) string {
	return fmt.Sprintf(`以下の会議の転写テキストを分析し、構造化された要約を作成してください。

転写テキスト:
%s

以下のJSON形式で要約を作成してください:
{
    "summary": "会議の概要（3-5行）",
    "details": {
        "summary": "詳細な会議内容",
        "agenda": ["議題・議論内容1", "議題・議論内容2"],
        "decisions": ["決定事項1", "決定事項2"],
        "todo": ["ToDo1（担当者）", "ToDo2（担当者）"],
        "next_actions": ["次のアクション1", "次のアクション2"],
        "next_meeting": "次回会議予定（あれば）"
    }
}

必ず日本語で回答してください。
`, text)
}
