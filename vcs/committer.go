// Package vcs records completed tasks in version control.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNotRepository is returned when the root is not a git repository.
var ErrNotRepository = errors.New("not a git repository")

// Committer records the files a task changed.
type Committer interface {
	Commit(ctx context.Context, req CommitRequest) (string, error)
}

// CommitRequest describes one task commit.
type CommitRequest struct {
	TaskID string
	Title  string
	// Paths are relative to the repository root. Missing files are staged as deletions.
	Paths []string
}

// conventionalCommitPattern matches conventional commit format
var conventionalCommitPattern = regexp.MustCompile(`^(feat|fix|docs|style|refactor|test|chore|perf|ci|build|revert)(\([a-zA-Z0-9_-]+\))?: .+`)

// ValidateConventionalCommit checks if a message follows conventional commit format
func ValidateConventionalCommit(message string) bool {
	return conventionalCommitPattern.MatchString(message)
}

// Message builds the commit message for a task.
func (r CommitRequest) Message() string {
	title := strings.TrimSpace(strings.SplitN(r.Title, "\n", 2)[0])
	if title == "" {
		title = "complete task"
	}
	return fmt.Sprintf("feat(%s): %s", r.TaskID, title)
}

// GitCommitter commits through go-git without shelling out.
type GitCommitter struct {
	root   string
	author object.Signature
	now    func() time.Time
}

// Option configures a GitCommitter.
type Option func(*GitCommitter)

// WithAuthor sets the commit author.
func WithAuthor(name, email string) Option {
	return func(c *GitCommitter) {
		c.author.Name = name
		c.author.Email = email
	}
}

// NewGitCommitter opens the repository at root.
func NewGitCommitter(root string, opts ...Option) (*GitCommitter, error) {
	if _, err := git.PlainOpen(root); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotRepository, root, err)
	}
	c := &GitCommitter{
		root:   root,
		author: object.Signature{Name: "nova", Email: "nova@localhost"},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Init creates a repository at root unless one exists.
func Init(root string) error {
	_, err := git.PlainInit(root, false)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	return nil
}

// Commit stages the request's paths and commits them. A task that changed
// nothing still gets an empty commit so its completion is recorded.
func (c *GitCommitter) Commit(ctx context.Context, req CommitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	message := req.Message()
	if !ValidateConventionalCommit(message) {
		return "", fmt.Errorf("commit message does not follow conventional commit format: %s", message)
	}

	repo, err := git.PlainOpen(c.root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotRepository, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	for _, p := range req.Paths {
		if err := validatePath(c.root, p); err != nil {
			return "", fmt.Errorf("stage %s: %w", p, err)
		}
		rel := filepath.ToSlash(filepath.Clean(p))
		if _, err := os.Lstat(filepath.Join(c.root, rel)); errors.Is(err, os.ErrNotExist) {
			if _, err := wt.Remove(rel); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
				return "", fmt.Errorf("stage deletion %s: %w", rel, err)
			}
			continue
		}
		if _, err := wt.Add(rel); err != nil {
			return "", fmt.Errorf("stage %s: %w", rel, err)
		}
	}

	author := c.author
	author.When = c.now()
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            &author,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("commit failed: %w", err)
	}
	return hash.String(), nil
}

// validatePath validates that a path is relative and stays inside baseDir.
func validatePath(baseDir, path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative")
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path must be within %s", baseDir)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git"+string(filepath.Separator)) {
		return fmt.Errorf("path inside .git is not allowed")
	}
	return nil
}

// NoopCommitter is used when version control is disabled.
type NoopCommitter struct{}

// Commit implements Committer.
func (NoopCommitter) Commit(ctx context.Context, _ CommitRequest) (string, error) {
	return "", ctx.Err()
}
