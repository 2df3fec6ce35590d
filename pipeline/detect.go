package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// DetectBuildCommands guesses the build commands for a project directory
// from its manifest files. It returns nil when nothing is recognized.
func DetectBuildCommands(dir string) []string {
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var pkg struct {
			Scripts map[string]string `json:"scripts"`
		}
		if err := json.Unmarshal(data, &pkg); err != nil {
			return []string{"npm run build"}
		}
		var cmds []string
		if _, ok := pkg.Scripts["build"]; ok {
			cmds = append(cmds, "npm run build")
		}
		if _, ok := pkg.Scripts["lint"]; ok {
			cmds = append(cmds, "npm run lint")
		}
		if len(cmds) == 0 {
			return []string{"npm run build"}
		}
		return cmds
	}

	switch {
	case exists(dir, "Cargo.toml"):
		return []string{"cargo build"}
	case exists(dir, "setup.py"), exists(dir, "pyproject.toml"):
		return []string{"python -m py_compile"}
	case exists(dir, "go.mod"):
		return []string{"go build ./..."}
	}
	return nil
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
