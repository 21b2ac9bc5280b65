// Package container provides the component registry the daemon is assembled
// from: named definitions bound to implementation factories, with
// post-processing hooks that may rewrite definitions before anything is
// instantiated.
package container

import (
	"fmt"
	"log/slog"
	"sync"
)

// Definition describes how a named component should be built: which
// implementation factory to use and the properties handed to it. Definitions
// stay mutable until the registry is refreshed.
type Definition struct {
	Name           string
	Implementation string
	Properties     map[string]any
}

// BoolProperty reads a boolean property with a default for absent or
// mistyped values.
func (d *Definition) BoolProperty(key string, def bool) bool {
	if d.Properties == nil {
		return def
	}
	if v, ok := d.Properties[key].(bool); ok {
		return v
	}
	return def
}

// StringProperty reads a string property with a default.
func (d *Definition) StringProperty(key, def string) string {
	if d.Properties == nil {
		return def
	}
	if v, ok := d.Properties[key].(string); ok {
		return v
	}
	return def
}

// Factory builds a component instance from its definition.
type Factory func(def *Definition) (any, error)

// PostProcessor is a hook that runs once over the registry after all
// definitions are in place and before any component is instantiated.
type PostProcessor interface {
	PostProcess(r *Registry)
}

// Registry holds definitions, factories and singleton instances.
type Registry struct {
	mu             sync.Mutex
	definitions    map[string]*Definition
	factories      map[string]Factory
	instances      map[string]any
	postProcessors []PostProcessor
	refreshed      bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*Definition),
		factories:   make(map[string]Factory),
		instances:   make(map[string]any),
	}
}

// Define registers a definition under its name. A later Define for the same
// name replaces the earlier one.
func (r *Registry) Define(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Name]; exists {
		slog.Debug("replacing component definition", "name", def.Name)
	}
	r.definitions[def.Name] = def
}

// Definition returns the mutable definition registered under name, or nil
// when no such definition exists. Absence is not an error.
func (r *Registry) Definition(name string) *Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.definitions[name]
}

// RegisterFactory binds an implementation key to its factory.
func (r *Registry) RegisterFactory(implementation string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[implementation] = f
}

// AddPostProcessor appends a post-processor. Processors run in registration
// order during Refresh.
func (r *Registry) AddPostProcessor(p PostProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postProcessors = append(r.postProcessors, p)
}

// Refresh runs all post-processors exactly once. A second call is a no-op.
func (r *Registry) Refresh() {
	r.mu.Lock()
	if r.refreshed {
		r.mu.Unlock()
		return
	}
	r.refreshed = true
	processors := make([]PostProcessor, len(r.postProcessors))
	copy(processors, r.postProcessors)
	r.mu.Unlock()

	// Processors take the registry re-entrantly; run them unlocked.
	for _, p := range processors {
		p.PostProcess(r)
	}
}

// Resolve returns the singleton component registered under name, building it
// through the factory bound to the definition's implementation key. The
// registry is refreshed first if that has not happened yet.
func (r *Registry) Resolve(name string) (any, error) {
	r.mu.Lock()
	refreshed := r.refreshed
	r.mu.Unlock()
	if !refreshed {
		r.Refresh()
	}

	r.mu.Lock()
	if instance, ok := r.instances[name]; ok {
		r.mu.Unlock()
		return instance, nil
	}
	def, ok := r.definitions[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("no component definition named %q", name)
	}
	factory, ok := r.factories[def.Implementation]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("component %q: no factory for implementation %q", name, def.Implementation)
	}

	instance, err := factory(def)
	if err != nil {
		return nil, fmt.Errorf("component %q: %w", name, err)
	}

	r.mu.Lock()
	r.instances[name] = instance
	r.mu.Unlock()

	slog.Debug("component instantiated",
		"name", name,
		"implementation", def.Implementation,
	)
	return instance, nil
}
