package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/nova/contract"
)

// Sandbox errors.
var (
	ErrOutsideSandbox = errors.New("path escapes the task sandbox")
	ErrProtectedPath  = errors.New("path is protected")
	ErrUnknownAction  = errors.New("unknown file action")
)

// Sandbox applies file operations beneath a root directory. A path is
// accepted only if it resolves under the root and matches none of the
// protected globs.
type Sandbox struct {
	root      string
	protected []string
}

// NewSandbox creates a sandbox rooted at root. Protected patterns use
// doublestar syntax relative to the root, e.g. ".git/**".
func NewSandbox(root string, protected []string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	for _, p := range protected {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid protected pattern %q", p)
		}
	}
	return &Sandbox{root: abs, protected: append([]string(nil), protected...)}, nil
}

// Root returns the absolute sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps a relative path to an absolute one inside the sandbox.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("%w: %q", ErrOutsideSandbox, rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideSandbox, rel)
	}

	slashed := filepath.ToSlash(clean)
	if s.IsProtected(slashed) {
		return "", fmt.Errorf("%w: %q", ErrProtectedPath, rel)
	}

	target := filepath.Join(s.root, clean)
	if err := s.checkSymlinks(target); err != nil {
		return "", err
	}
	return target, nil
}

// IsProtected reports whether a slash-separated relative path matches a
// protected glob. A pattern "dir/**" also protects "dir" itself.
func (s *Sandbox) IsProtected(rel string) bool {
	for _, pattern := range s.protected {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if base, found := strings.CutSuffix(pattern, "/**"); found && rel == base {
			return true
		}
	}
	return false
}

// checkSymlinks rejects targets whose nearest existing ancestor resolves
// outside the root.
func (s *Sandbox) checkSymlinks(target string) error {
	realRoot, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return fmt.Errorf("resolve sandbox root: %w", err)
	}
	dir := target
	for {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	if resolved != realRoot && !strings.HasPrefix(resolved, realRoot+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s resolves to %s", ErrOutsideSandbox, target, resolved)
	}
	return nil
}

// Apply validates every operation and then applies them in order. Nothing
// is written if any operation is rejected. It returns the relative paths
// that changed; deleting a missing file is skipped.
func (s *Sandbox) Apply(ops []contract.FileOperation) ([]string, error) {
	targets := make([]string, len(ops))
	for i, op := range ops {
		switch op.Action {
		case contract.ActionCreate, contract.ActionEdit, contract.ActionDelete:
		default:
			return nil, fmt.Errorf("%w %q for %s", ErrUnknownAction, op.Action, op.Path)
		}
		target, err := s.Resolve(op.Path)
		if err != nil {
			return nil, err
		}
		targets[i] = target
	}

	var affected []string
	for i, op := range ops {
		rel := filepath.ToSlash(filepath.Clean(filepath.FromSlash(op.Path)))
		switch op.Action {
		case contract.ActionCreate, contract.ActionEdit:
			if err := os.MkdirAll(filepath.Dir(targets[i]), 0755); err != nil {
				return affected, fmt.Errorf("create directory for %s: %w", rel, err)
			}
			if err := os.WriteFile(targets[i], []byte(op.Content), 0644); err != nil {
				return affected, fmt.Errorf("write %s: %w", rel, err)
			}
		case contract.ActionDelete:
			err := os.Remove(targets[i])
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return affected, fmt.Errorf("delete %s: %w", rel, err)
			}
		}
		affected = appendUnique(affected, rel)
	}
	return affected, nil
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		if !slices.Contains(list, item) {
			list = append(list, item)
		}
	}
	return list
}
