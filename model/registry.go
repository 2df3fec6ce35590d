// Package model resolves which model endpoint serves each agent role.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Role names with configured endpoints.
const (
	RoleImplementer = "implementer"
	RoleValidator   = "validator"
	RolePlanner     = "planner"
)

// ErrNoEndpoint is returned when a role has no endpoint configured.
var ErrNoEndpoint = errors.New("no model endpoint configured")

// EndpointConfig defines the model endpoint a role talks to.
type EndpointConfig struct {
	// Provider is the model provider (anthropic, openai).
	Provider string `json:"provider" yaml:"provider" koanf:"provider"`

	// URL overrides the provider's default base URL.
	URL string `json:"url,omitempty" yaml:"url,omitempty" koanf:"url"`

	// Model is the actual model identifier to send to the provider.
	Model string `json:"model" yaml:"model" koanf:"model"`

	// MaxTokens caps the response length.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" koanf:"max_tokens"`

	// Temperature is nil to use the provider default.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" koanf:"temperature"`

	// RequestsPerMinute paces calls to the endpoint. 0 disables pacing.
	RequestsPerMinute int `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty" koanf:"requests_per_minute"`
}

// Validate checks that the endpoint can be called.
func (e *EndpointConfig) Validate() error {
	if e.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if e.Model == "" {
		return fmt.Errorf("model is required")
	}
	if e.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	if e.Temperature != nil && (*e.Temperature < 0 || *e.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// Registry maps roles to endpoints. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointConfig
}

// NewRegistry creates a registry from role endpoints.
func NewRegistry(endpoints map[string]*EndpointConfig) *Registry {
	r := &Registry{endpoints: make(map[string]*EndpointConfig, len(endpoints))}
	for role, ep := range endpoints {
		r.endpoints[role] = ep
	}
	return r
}

// DefaultEndpoints returns the built-in role endpoints.
func DefaultEndpoints() map[string]*EndpointConfig {
	zero := 0.0
	return map[string]*EndpointConfig{
		RolePlanner: {
			Provider:    "anthropic",
			Model:       "claude-opus-4-5-20251101",
			MaxTokens:   8192,
			Temperature: &zero,
		},
		RoleImplementer: {
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   8192,
			Temperature: &zero,
		},
		RoleValidator: {
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   4096,
			Temperature: &zero,
		},
	}
}

// NewDefaultRegistry creates a registry with the built-in endpoints.
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultEndpoints())
}

// Endpoint returns the endpoint for a role.
func (r *Registry) Endpoint(role string) (*EndpointConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[role]
	if !ok || ep == nil {
		return nil, fmt.Errorf("%w for role %s", ErrNoEndpoint, role)
	}
	return ep, nil
}

// SetEndpoint updates or adds the endpoint for a role.
func (r *Registry) SetEndpoint(role string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[role] = cfg
}

// Roles returns all configured role names, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every endpoint.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, role := range sortedKeys(r.endpoints) {
		if err := r.endpoints[role].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("models.%s: %w", role, err))
		}
	}
	return errors.Join(errs...)
}

// MarshalJSON implements json.Marshaler for the registry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(RegistryConfig{Roles: r.endpoints})
}

func sortedKeys(m map[string]*EndpointConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
