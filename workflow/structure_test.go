package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_EnsureDirectories(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.EnsureDirectories())

	for _, dir := range []string{m.RootPath(), m.StatePath(), m.DocsPath()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestManager_DocumentPath(t *testing.T) {
	m := NewManager("/repo")
	assert.Equal(t, filepath.Join("/repo", RootDir, DocsDir, "demo", "tasks", "v2.tasks.yaml"),
		m.DocumentPath("demo", "v2", DocumentTaskList))
	assert.Equal(t, filepath.Join("/repo", RootDir, DocsDir, "demo", "spec", "v2.md"),
		m.DocumentPath("demo", "v2", DocumentSpec))
}

func TestManager_WriteDocumentIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	m := NewManager(t.TempDir())

	ref, err := m.WriteDocument(ctx, "demo", "v1", DocumentSpec, []byte("# Spec"))
	require.NoError(t, err)
	assert.Equal(t, ".nova/docs/demo/spec/v1.md", ref.Key)
	assert.NotEmpty(t, ref.SHA256)

	// Same content is a no-op.
	again, err := m.WriteDocument(ctx, "demo", "v1", DocumentSpec, []byte("# Spec"))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	// Different content is refused.
	_, err = m.WriteDocument(ctx, "demo", "v1", DocumentSpec, []byte("# Other"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrDocumentImmutable)

	data, err := m.ReadDocument(ref)
	require.NoError(t, err)
	assert.Equal(t, "# Spec", string(data))
}

func TestManager_WriteDocumentRejectsBadNames(t *testing.T) {
	m := NewManager(t.TempDir())

	_, err := m.WriteDocument(context.Background(), "../escape", "v1", DocumentPlan, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidProject)

	_, err = m.WriteDocument(context.Background(), "demo", "latest", DocumentPlan, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidVersionID)
}

func TestManager_ReadDocumentDetectsTampering(t *testing.T) {
	m := NewManager(t.TempDir())
	ref, err := m.WriteDocument(context.Background(), "demo", "v1", DocumentPlan, []byte("plan"))
	require.NoError(t, err)

	path := filepath.Join(m.RepoRoot(), filepath.FromSlash(ref.Key))
	require.NoError(t, os.Chmod(path, 0644))
	require.NoError(t, os.WriteFile(path, []byte("edited"), 0644))

	_, err = m.ReadDocument(ref)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrDocumentImmutable)
}
