// Package rules loads the expense policy that applies to a receipt
// type. Policies are markdown files named after the lower-cased type
// ("food_expense.md"). A configured directory overrides the embedded
// defaults file by file; a type with no policy of its own gets
// "default.md".
package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/reimburse-agent/internal/employees"
)

// DefaultName is the policy used for types without a file of their own.
const DefaultName = "default"

// Source values reported in [Rule.Source].
const (
	SourceDir      = "dir"
	SourceEmbedded = "embedded"
)

// Rule is one loaded policy.
type Rule struct {
	Name    string // filename without .md
	Title   string // from frontmatter, may be empty
	Source  string // SourceDir or SourceEmbedded
	Content string // markdown, frontmatter stripped
}

// Text renders the policy for the agent prompt.
func (r Rule) Text() string {
	if r.Title == "" {
		return r.Content
	}
	return "### " + r.Title + "\n\n" + r.Content
}

// Loader resolves policies from an optional directory, then from an
// embedded filesystem.
type Loader struct {
	dir      string
	fallback fs.FS
}

// NewLoader creates a loader. dir may be empty; fallback may be nil.
func NewLoader(dir string, fallback fs.FS) *Loader {
	return &Loader{dir: dir, fallback: fallback}
}

// ErrNoRule is returned when neither the type's policy nor the default
// policy can be found anywhere.
var ErrNoRule = errors.New("no policy found")

// Load returns the policy for typ.
func (l *Loader) Load(typ employees.ExpenseType) (Rule, error) {
	for _, name := range []string{strings.ToLower(string(typ)), DefaultName} {
		r, err := l.load(name)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return Rule{}, err
		}
	}
	return Rule{}, fmt.Errorf("%w for %s", ErrNoRule, typ)
}

func (l *Loader) load(name string) (Rule, error) {
	file := name + ".md"

	if l.dir != "" {
		data, err := os.ReadFile(filepath.Join(l.dir, file))
		if err == nil {
			return parse(name, SourceDir, data)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return Rule{}, fmt.Errorf("read policy %s: %w", file, err)
		}
	}

	if l.fallback != nil {
		data, err := fs.ReadFile(l.fallback, file)
		if err == nil {
			return parse(name, SourceEmbedded, data)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return Rule{}, fmt.Errorf("read embedded policy %s: %w", file, err)
		}
	}
	return Rule{}, fs.ErrNotExist
}

type frontmatter struct {
	Title string `yaml:"title"`
}

func parse(name, source string, data []byte) (Rule, error) {
	meta, content, err := splitFrontmatter(string(data))
	if err != nil {
		return Rule{}, fmt.Errorf("policy %s: %w", name, err)
	}
	return Rule{
		Name:    name,
		Title:   meta.Title,
		Source:  source,
		Content: strings.TrimSpace(content),
	}, nil
}

// splitFrontmatter separates YAML frontmatter delimited by "---" lines
// from the markdown body. Without frontmatter the whole text is the
// body.
func splitFrontmatter(raw string) (frontmatter, string, error) {
	var meta frontmatter
	raw = strings.TrimPrefix(raw, "\ufeff")
	if !strings.HasPrefix(raw, "---") {
		return meta, raw, nil
	}

	rest := strings.TrimLeft(raw[3:], " \t")
	switch {
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	default:
		return meta, raw, nil
	}

	closeIdx := strings.Index(rest, "\n---")
	if closeIdx < 0 {
		return meta, raw, nil
	}

	if err := yaml.Unmarshal([]byte(rest[:closeIdx]), &meta); err != nil {
		return meta, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return meta, strings.TrimLeft(rest[closeIdx+4:], "\r\n"), nil
}
