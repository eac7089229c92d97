// Package workspace creates the per-document output directories.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/bookpipe/internal/model"
)

// SourceFile is the scratch copy of the document text inside a unit.
const SourceFile = "source.txt"

// maxNameRunes bounds sanitized names.
const maxNameRunes = 50

// timestampLayout prefixes unit directory names.
const timestampLayout = "20060102_150405"

var invalidChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// \s alone is ASCII-only; titles often carry U+3000 or NBSP.
var whitespace = regexp.MustCompile(`[\s\x0b\x{1c}-\x{1f}\x{85}\p{Z}]+`)

// Sanitize makes name safe as a path component: each of <>:"/\|?* becomes
// an underscore, whitespace runs collapse to one underscore and the result
// is cut to 50 runes. Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(name string) string {
	name = invalidChars.ReplaceAllString(name, "_")
	name = whitespace.ReplaceAllString(name, "_")

	if r := []rune(name); len(r) > maxNameRunes {
		name = string(r[:maxNameRunes])
	}
	if name == "" {
		return "untitled"
	}
	return name
}

// DocumentName derives a unit name from an attachment filename: the
// extension is dropped, then the stem is sanitized.
func DocumentName(filename string) string {
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	return Sanitize(stem(base))
}

// stem strips the last extension. A leading dot does not start an
// extension and neither does a trailing one, so ".txt" and "notes." are
// kept whole.
func stem(base string) string {
	i := strings.LastIndex(base, ".")
	if i <= 0 || i == len(base)-1 {
		return base
	}
	return base[:i]
}

// Workspace creates ProcessingUnits under a root directory.
type Workspace struct {
	root string
	now  func() time.Time
}

// New creates a Workspace. A nil now uses time.Now.
func New(root string, now func() time.Time) *Workspace {
	if now == nil {
		now = time.Now
	}
	return &Workspace{root: root, now: now}
}

// Root returns the output root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Create makes the unit directory <root>/<timestamp>_<name> and writes the
// document text to source.txt inside it. When the directory already exists
// a -2, -3, ... suffix is appended.
func (w *Workspace) Create(att model.Attachment) (*model.ProcessingUnit, error) {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating output root %s: %w", w.root, err)
	}

	created := w.now()
	name := DocumentName(att.Filename)
	base := created.Format(timestampLayout) + "_" + name

	dir, err := mkdirUnique(filepath.Join(w.root, base))
	if err != nil {
		return nil, err
	}

	sourcePath := filepath.Join(dir, SourceFile)
	if err := os.WriteFile(sourcePath, []byte(att.Content), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", sourcePath, err)
	}

	return &model.ProcessingUnit{
		ID:             uuid.New().String(),
		Name:           name,
		SourceFilename: att.Filename,
		MessageID:      att.MessageID,
		CreatedAt:      created,
		Text:           att.Content,
		Dir:            dir,
		SourcePath:     sourcePath,
	}, nil
}

func mkdirUnique(path string) (string, error) {
	candidate := path
	for i := 2; i < 1000; i++ {
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("creating unit directory %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s-%d", path, i)
	}
	return "", fmt.Errorf("creating unit directory %s: too many collisions", path)
}
