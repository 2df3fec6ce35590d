package pipeline

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Directories never listed or read into prompts.
var skippedDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	".next":        true,
	"__pycache__":  true,
	".venv":        true,
	".cache":       true,
	"vendor":       true,
}

var sourceExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".vue": true, ".svelte": true,
	".py": true, ".go": true, ".rs": true, ".html": true, ".css": true, ".scss": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".md": true,
}

const (
	maxTreeEntries   = 500
	maxExistingChars = 80_000
)

// workspaceFiles lists the sandbox's regular files as sorted relative paths,
// skipping protected and generated directories.
func (s *Sandbox) workspaceFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if skippedDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") || s.IsProtected(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !s.IsProtected(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// FileTree returns a listing of the workspace for the implementer.
func (s *Sandbox) FileTree() string {
	files, err := s.workspaceFiles()
	if err != nil || len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Project Files\n\n")
	for i, f := range files {
		if i == maxTreeEntries {
			fmt.Fprintf(&b, "... and %d more\n", len(files)-maxTreeEntries)
			break
		}
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// ExistingFiles returns the contents of source files up to a fixed budget so
// edits start from the current code.
func (s *Sandbox) ExistingFiles() string {
	files, err := s.workspaceFiles()
	if err != nil {
		return ""
	}

	var b strings.Builder
	total := 0
	for _, rel := range files {
		if !sourceExtensions[strings.ToLower(filepath.Ext(rel))] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		content := string(data)
		if total+len(content) > maxExistingChars {
			if remaining := maxExistingChars - total; remaining > 200 {
				fmt.Fprintf(&b, "### %s\n```\n%s\n... (truncated)\n```\n\n", rel, content[:remaining])
			}
			break
		}
		fmt.Fprintf(&b, "### %s\n```\n%s\n```\n\n", rel, content)
		total += len(content)
	}
	if b.Len() == 0 {
		return ""
	}
	return "## Existing File Contents\n\nWhen editing a file, start from its current contents below.\n\n" +
		strings.TrimRight(b.String(), "\n")
}
