// Package record writes the per-unit processing log.
package record

import (
	"bytes"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nhle/bookpipe/internal/model"
)

// File names written into the unit directory.
const (
	MarkdownFile = "processing_log.md"
	HTMLFile     = "processing_log.html"
)

// Option configures a Writer.
type Option func(*Writer)

// WithHTML also renders the record to HTML.
func WithHTML(enabled bool) Option {
	return func(w *Writer) {
		w.html = enabled
	}
}

// WithClock sets the clock used for the processing timestamp.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// Writer serializes ProcessingRecords. Writes are plain file writes; a crash
// mid-write can leave a truncated log.
type Writer struct {
	html bool
	now  func() time.Time
	md   goldmark.Markdown
}

// NewWriter creates a Writer.
func NewWriter(opts ...Option) *Writer {
	w := &Writer{
		now: time.Now,
		md:  goldmark.New(goldmark.WithExtensions(extension.Table)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write records the outcomes of unit and returns the markdown log path.
func (w *Writer) Write(unit *model.ProcessingUnit, outcomes []model.TaskOutcome) (string, error) {
	rec := model.ProcessingRecord{
		SourceFilename: unit.SourceFilename,
		DocumentName:   unit.Name,
		ProcessedAt:    w.now(),
		Outcomes:       outcomes,
	}

	content := Markdown(rec)
	path := filepath.Join(unit.Dir, MarkdownFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing processing record: %w", err)
	}

	if w.html {
		if err := w.writeHTML(unit.Dir, rec.DocumentName, content); err != nil {
			return path, err
		}
	}

	return path, nil
}

func (w *Writer) writeHTML(dir, title, content string) error {
	var body bytes.Buffer
	if err := w.md.Convert([]byte(content), &body); err != nil {
		return fmt.Errorf("rendering processing record: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n",
		html.EscapeString(title))
	buf.Write(body.Bytes())
	buf.WriteString("</body>\n</html>\n")

	if err := os.WriteFile(filepath.Join(dir, HTMLFile), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing processing record html: %w", err)
	}
	return nil
}

// Markdown renders rec in the fixed log format.
func Markdown(rec model.ProcessingRecord) string {
	var b strings.Builder

	b.WriteString("# 処理結果\n\n")
	fmt.Fprintf(&b, "- 処理日時: %s\n", rec.ProcessedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- 書籍名: %s\n", rec.DocumentName)
	fmt.Fprintf(&b, "- 元ファイル: %s\n", rec.SourceFilename)
	b.WriteString("\n## タスク結果\n\n")
	b.WriteString("| タスク | 結果 |\n")
	b.WriteString("|--------|------|\n")

	for _, o := range rec.Outcomes {
		fmt.Fprintf(&b, "| %s | %s |\n", cell(o.Task), cell(o.String()))
	}

	return b.String()
}

var cellReplacer = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ", "\r", " ")

// cell keeps a value on one table row.
func cell(s string) string {
	return cellReplacer.Replace(s)
}
