// Package plugin provides a registry of speech-to-text engine providers.
// Providers register a factory from init(); the server builds the configured
// engine by name without importing provider packages directly.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chriscow/streamscribe/pkg/ai/stt"
)

// Factory creates a new engine instance from configuration.
type Factory func(cfg map[string]any) (stt.Engine, error)

// Plugin represents a registered provider with its metadata.
type Plugin struct {
	Name        string         // Provider name (e.g., "openai", "fake")
	Factory     Factory        // Factory function to create instances
	Description string         // Human-readable description
	Version     string         // Plugin version
	Config      map[string]any // Configuration keys and their defaults
}

// Registry manages plugin registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

// Global registry instance
var globalRegistry = NewRegistry()

// Register adds a plugin to the global registry.
// This function is typically called from init() functions in plugin packages.
// Panics if a plugin with the same name is already registered.
func Register(name string, factory Factory) {
	globalRegistry.Register(name, factory)
}

// RegisterWithMetadata adds a plugin with additional metadata to the global registry.
// Panics if a plugin with the same name is already registered.
func RegisterWithMetadata(plugin *Plugin) {
	globalRegistry.RegisterWithMetadata(plugin)
}

// Get retrieves a plugin factory from the global registry.
func Get(name string) (Factory, bool) {
	return globalRegistry.Get(name)
}

// List returns all registered plugins sorted by name.
func List() []*Plugin {
	return globalRegistry.List()
}

// NewEngine builds an engine from the global registry.
func NewEngine(name string, cfg map[string]any) (stt.Engine, error) {
	return globalRegistry.NewEngine(name, cfg)
}

// Register adds a plugin to this registry instance.
// Panics if a plugin with the same name is already registered.
func (r *Registry) Register(name string, factory Factory) {
	r.RegisterWithMetadata(&Plugin{
		Name:    name,
		Factory: factory,
	})
}

// RegisterWithMetadata adds a plugin with metadata to this registry instance.
// Panics if a plugin with the same name is already registered.
func (r *Registry) RegisterWithMetadata(plugin *Plugin) {
	if plugin.Name == "" {
		panic("plugin name cannot be empty")
	}
	if plugin.Factory == nil {
		panic("plugin factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.plugins[plugin.Name]; exists {
		panic(fmt.Sprintf("plugin %s already registered (existing version: %s, new version: %s)",
			plugin.Name, existing.Version, plugin.Version))
	}

	r.plugins[plugin.Name] = plugin
}

// Get retrieves a plugin factory from this registry instance.
// Returns the factory and true if found, nil and false otherwise.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugin, exists := r.plugins[name]
	if !exists {
		return nil, false
	}
	return plugin.Factory, true
}

// List returns all registered plugins sorted by name.
func (r *Registry) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugins := make([]*Plugin, 0, len(r.plugins))
	for _, plugin := range r.plugins {
		plugins = append(plugins, plugin)
	}

	sort.Slice(plugins, func(i, j int) bool {
		return plugins[i].Name < plugins[j].Name
	})
	return plugins
}

// NewEngine looks up name and invokes its factory.
func (r *Registry) NewEngine(name string, cfg map[string]any) (stt.Engine, error) {
	factory, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown STT provider %q (registered: %v)", name, r.names())
	}

	engine, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create STT provider %q: %w", name, err)
	}
	return engine, nil
}

func (r *Registry) names() []string {
	plugins := r.List()
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Clear removes all plugins from this registry instance.
// This is primarily useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[string]*Plugin)
}
