package workflow

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Directory constants for the .nova structure.
const (
	RootDir     = ".nova"
	StateDir    = "state"
	DocsDir     = "docs"
	ProjectFile = "nova.yaml"
)

// DocumentKind names a lockable artifact.
type DocumentKind string

const (
	DocumentSpec     DocumentKind = "spec"
	DocumentPlan     DocumentKind = "plan"
	DocumentTaskList DocumentKind = "tasks"
)

// extension returns the file extension used for a document kind.
func (k DocumentKind) extension() string {
	if k == DocumentTaskList {
		return ".tasks.yaml"
	}
	return ".md"
}

// Manager provides the on-disk layout of a nova project.
type Manager struct {
	repoRoot string
}

// NewManager creates a new workflow manager for the given repository root.
func NewManager(repoRoot string) *Manager {
	return &Manager{repoRoot: repoRoot}
}

// RepoRoot returns the repository root, which is also the working tree tasks edit.
func (m *Manager) RepoRoot() string {
	return m.repoRoot
}

// RootPath returns the full path to the .nova directory.
func (m *Manager) RootPath() string {
	return filepath.Join(m.repoRoot, RootDir)
}

// StatePath returns the directory holding persisted state for the file backend.
func (m *Manager) StatePath() string {
	return filepath.Join(m.RootPath(), StateDir)
}

// DocsPath returns the directory holding approved documents.
func (m *Manager) DocsPath() string {
	return filepath.Join(m.RootPath(), DocsDir)
}

// DocumentPath returns the path of a document for a project version.
func (m *Manager) DocumentPath(project, versionID string, kind DocumentKind) string {
	return filepath.Join(m.DocsPath(), project, string(kind), versionID+kind.extension())
}

// EnsureDirectories creates the .nova directory structure if it doesn't exist.
func (m *Manager) EnsureDirectories() error {
	dirs := []string{
		m.RootPath(),
		m.StatePath(),
		m.DocsPath(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WriteDocument stores a document and returns its content reference. Writing
// identical content again is a no-op; different content for an existing
// document fails with ErrDocumentImmutable (an ErrInvalidTransition), so a correction always needs a new version.
func (m *Manager) WriteDocument(ctx context.Context, project, versionID string, kind DocumentKind, content []byte) (ContentRef, error) {
	if err := ValidateProject(project); err != nil {
		return ContentRef{}, err
	}
	if err := ValidateVersionID(versionID); err != nil {
		return ContentRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return ContentRef{}, err
	}

	path := m.DocumentPath(project, versionID, kind)
	rel, err := filepath.Rel(m.repoRoot, path)
	if err != nil {
		return ContentRef{}, fmt.Errorf("resolve document path: %w", err)
	}
	ref := NewContentRef(filepath.ToSlash(rel), content)

	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if bytes.Equal(existing, content) {
			return ref, nil
		}
		return ContentRef{}, fmt.Errorf("%w: %w: %s", ErrInvalidTransition, ErrDocumentImmutable, ref.Key)
	case !os.IsNotExist(err):
		return ContentRef{}, fmt.Errorf("failed to read document: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ContentRef{}, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0444); err != nil {
		return ContentRef{}, fmt.Errorf("failed to write document: %w", err)
	}
	return ref, nil
}

// ReadDocument loads a document and verifies it against ref.
func (m *Manager) ReadDocument(ref ContentRef) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.repoRoot, filepath.FromSlash(ref.Key)))
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if !ref.Matches(data) {
		return nil, fmt.Errorf("%w: %w: %s changed on disk", ErrInvalidTransition, ErrDocumentImmutable, ref.Key)
	}
	return data, nil
}

// DocumentReader reads approved documents. *Manager implements it.
type DocumentReader interface {
	ReadDocument(ref ContentRef) ([]byte, error)
}

// ReadLocked returns the content of a locked document, or "" when the
// document is not locked or no reader is given.
func ReadLocked(r DocumentReader, lock DocumentLock) (string, error) {
	if r == nil || !lock.Locked {
		return "", nil
	}
	data, err := r.ReadDocument(lock.ContentRef)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
