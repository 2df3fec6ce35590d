package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// RegistryConfig is the JSON form of a models file: {"roles": {...}}.
type RegistryConfig struct {
	Roles map[string]*EndpointConfig `json:"roles"`
}

// LoadFromFile loads a registry from a JSON models file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}

	return LoadFromJSON(data)
}

// LoadFromJSON loads a registry from JSON data. Accepts either a full config
// with a "models" key or just the registry config.
func LoadFromJSON(data []byte) (*Registry, error) {
	var fullConfig struct {
		Models *RegistryConfig `json:"models"`
	}
	if err := json.Unmarshal(data, &fullConfig); err == nil && fullConfig.Models != nil {
		return registryFromConfig(fullConfig.Models)
	}

	var regConfig RegistryConfig
	if err := json.Unmarshal(data, &regConfig); err != nil {
		return nil, fmt.Errorf("parse models config: %w", err)
	}

	return registryFromConfig(&regConfig)
}

func registryFromConfig(cfg *RegistryConfig) (*Registry, error) {
	if len(cfg.Roles) == 0 {
		return nil, fmt.Errorf("parse models config: no roles defined")
	}
	r := NewRegistry(cfg.Roles)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
