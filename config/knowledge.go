package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// LoadKnowledge reads every markdown file under dir in path order. A missing
// directory yields no snippets.
func LoadKnowledge(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, "**/*.md")
	if err != nil {
		return nil, fmt.Errorf("glob knowledge: %w", err)
	}
	sort.Strings(matches)

	var snippets []string
	for _, m := range matches {
		data, err := fs.ReadFile(fsys, m)
		if err != nil {
			return nil, fmt.Errorf("read knowledge %s: %w", m, err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			snippets = append(snippets, text)
		}
	}
	return snippets, nil
}
