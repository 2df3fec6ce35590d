package model

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromJSON(t *testing.T) {
	t.Run("full config with models key", func(t *testing.T) {
		jsonData := []byte(`{
			"models": {
				"roles": {
					"planner": {"provider": "anthropic", "model": "claude-opus"}
				}
			}
		}`)

		r, err := LoadFromJSON(jsonData)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}

		ep, err := r.Endpoint(RolePlanner)
		if err != nil {
			t.Fatalf("Endpoint(planner) error: %v", err)
		}
		if ep.Model != "claude-opus" {
			t.Errorf("expected claude-opus, got %q", ep.Model)
		}
	})

	t.Run("direct registry config", func(t *testing.T) {
		jsonData := []byte(`{
			"roles": {
				"implementer": {"provider": "openai", "model": "gpt-4o", "max_tokens": 4096, "temperature": 0.2}
			}
		}`)

		r, err := LoadFromJSON(jsonData)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}

		ep, err := r.Endpoint(RoleImplementer)
		if err != nil {
			t.Fatalf("Endpoint(implementer) error: %v", err)
		}
		if ep.Temperature == nil || *ep.Temperature != 0.2 {
			t.Errorf("expected temperature 0.2, got %v", ep.Temperature)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := LoadFromJSON([]byte(`not valid json`))
		if err == nil {
			t.Error("expected error for invalid JSON")
		}
	})

	t.Run("no roles", func(t *testing.T) {
		_, err := LoadFromJSON([]byte(`{"roles": {}}`))
		if err == nil {
			t.Error("expected error for empty roles")
		}
	})

	t.Run("endpoint without model", func(t *testing.T) {
		_, err := LoadFromJSON([]byte(`{"roles": {"validator": {"provider": "anthropic"}}}`))
		if err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "models.json")

	configContent := []byte(`{"roles": {"validator": {"provider": "anthropic", "model": "claude-haiku"}}}`)
	if err := os.WriteFile(configPath, configContent, 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	r, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load from file: %v", err)
	}

	if _, err := r.Endpoint(RoleValidator); err != nil {
		t.Errorf("expected validator endpoint, got error %v", err)
	}
}

func TestLoadFromFileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/models.json")
	if err == nil {
		t.Error("expected error for missing file")
	}
}
