package dispatch

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/nhle/bookpipe/internal/model"
)

// DefaultTasks returns the three standard generation tasks: a note-style
// article, a structured summary and an extracted skill directory.
func DefaultTasks() []model.TaskSpec {
	return []model.TaskSpec{
		{
			Name:   "article",
			Output: "article.md",
			Prompt: func(in model.PromptInput) string {
				return fmt.Sprintf(`この書籍テキストからnote記事を生成してください。
/book-article-generator スキルを使用して、読者の「問い」を起点にした記事を作成してください。

書籍名: %s
テキストファイル: %s

出力先: %s`, in.Name, in.SourcePath, in.OutputPath)
			},
		},
		{
			Name:   "summary",
			Output: "summary.md",
			Prompt: func(in model.PromptInput) string {
				return fmt.Sprintf(`この書籍テキストの要約を作成してください。

以下の構成で:
1. 一言で言うと（1行）
2. 主要なポイント（3-5個）
3. 実践への示唆（3個）
4. 印象に残った引用（2-3個）

書籍名: %s
テキストファイル: %s
出力先: %s`, in.Name, in.SourcePath, in.OutputPath)
			},
		},
		{
			Name:   "skill",
			Output: "skill/",
			Prompt: func(in model.PromptInput) string {
				return fmt.Sprintf(`この書籍からClaude Code用のSkillを抽出してください。
/skill-extraction-template スキルを使用してください。

書籍名: %s
テキストファイル: %s
出力先ディレクトリ: %s`, in.Name, in.SourcePath, in.OutputPath)
			},
		},
	}
}

// TasksFromConfig builds TaskSpecs from configured tasks. Each prompt is a
// text/template executed with model.PromptInput, e.g. {{.Name}} or
// {{.OutputPath}}. An empty list returns DefaultTasks.
func TasksFromConfig(cfgs []model.TaskConfig) ([]model.TaskSpec, error) {
	if len(cfgs) == 0 {
		return DefaultTasks(), nil
	}

	tasks := make([]model.TaskSpec, 0, len(cfgs))
	for _, c := range cfgs {
		tmpl, err := template.New(c.Name).Option("missingkey=error").Parse(c.Prompt)
		if err != nil {
			return nil, fmt.Errorf("parsing prompt for task %q: %w", c.Name, err)
		}
		if err := tmpl.Execute(&bytes.Buffer{}, model.PromptInput{}); err != nil {
			return nil, fmt.Errorf("checking prompt for task %q: %w", c.Name, err)
		}

		raw := c.Prompt
		tasks = append(tasks, model.TaskSpec{
			Name:   c.Name,
			Output: c.Output,
			Prompt: func(in model.PromptInput) string {
				var buf bytes.Buffer
				if err := tmpl.Execute(&buf, in); err != nil {
					return raw
				}
				return buf.String()
			},
		})
	}
	return tasks, nil
}
