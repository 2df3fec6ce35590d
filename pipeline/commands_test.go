package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellRunner_Run(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("hello"), 0644))
	r := NewShellRunner(5*time.Second, 0, nil)

	results := r.Run(context.Background(), dir, []string{
		"cat input.txt",
		"echo broken >&2; exit 3",
		"echo still runs",
	})
	require.Len(t, results, 3)

	assert.Equal(t, 0, results[0].ExitCode)
	assert.Equal(t, "hello", results[0].Stdout)
	assert.False(t, results[0].Failed())

	assert.Equal(t, 3, results[1].ExitCode)
	assert.Equal(t, "broken\n", results[1].Stderr)
	assert.True(t, results[1].Failed())

	assert.Equal(t, "still runs\n", results[2].Stdout)
}

func TestShellRunner_Timeout(t *testing.T) {
	r := NewShellRunner(100*time.Millisecond, 0, nil)

	results := r.Run(context.Background(), t.TempDir(), []string{"sleep 5"})
	require.Len(t, results, 1)
	assert.Equal(t, -1, results[0].ExitCode)
	assert.Equal(t, "command timed out after 100ms", results[0].Stderr)
}

func TestShellRunner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewShellRunner(0, 0, nil).Run(ctx, t.TempDir(), []string{"true", "true"})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, -1, res.ExitCode)
		assert.True(t, strings.HasPrefix(res.Stderr, "not run: "), res.Stderr)
	}
}

func TestShellRunner_TailsOutput(t *testing.T) {
	r := NewShellRunner(5*time.Second, 10, nil)

	results := r.Run(context.Background(), t.TempDir(), []string{"printf 'aaaaaaaaaa0123456789'"})
	require.Len(t, results, 1)
	assert.Equal(t, "0123456789", results[0].Stdout)
}

func TestTailAndHead(t *testing.T) {
	assert.Equal(t, "cde", Tail("abcde", 3))
	assert.Equal(t, "abc", Head("abcde", 3))
	assert.Equal(t, "ab", Tail("ab", 3))
	assert.Equal(t, "ab", Head("ab", 0))
}

func TestDetectBuildCommands(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  []string
	}{
		{name: "nothing", want: nil},
		{
			name:  "npm scripts",
			files: map[string]string{"package.json": `{"scripts": {"build": "tsc", "lint": "eslint ."}}`},
			want:  []string{"npm run build", "npm run lint"},
		},
		{
			name:  "npm lint only",
			files: map[string]string{"package.json": `{"scripts": {"lint": "eslint ."}}`},
			want:  []string{"npm run lint"},
		},
		{
			name:  "npm without scripts",
			files: map[string]string{"package.json": `{"name": "app"}`},
			want:  []string{"npm run build"},
		},
		{
			name:  "broken package.json",
			files: map[string]string{"package.json": `{`},
			want:  []string{"npm run build"},
		},
		{name: "cargo", files: map[string]string{"Cargo.toml": ""}, want: []string{"cargo build"}},
		{name: "python", files: map[string]string{"pyproject.toml": ""}, want: []string{"python -m py_compile"}},
		{name: "go", files: map[string]string{"go.mod": "module x"}, want: []string{"go build ./..."}},
		{
			name:  "package.json wins",
			files: map[string]string{"package.json": `{"scripts": {"build": "vite build"}}`, "go.mod": "module x"},
			want:  []string{"npm run build"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
			}
			assert.Equal(t, tt.want, DetectBuildCommands(dir))
		})
	}
}
