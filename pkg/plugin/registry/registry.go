// Package registry manages plugin registration and instantiation. Plugins
// self-register from init() via the package-level Register; the executor
// receives the registry by reference and resolves plugins through it.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/logger"
	"github.com/NIAGADS/etl-engine/pkg/models"
	"github.com/NIAGADS/etl-engine/pkg/plugin"
)

// Descriptor is the registration record for one plugin: identity, the
// contract metadata exposed for CLI introspection, and the factory.
type Descriptor struct {
	// Name is the unique plugin identifier used on the command line.
	Name string `json:"name"`

	// Description summarizes what the plugin loads.
	Description string `json:"description"`

	// Operation is the store mutation kind the plugin performs.
	Operation models.Operation `json:"operation"`

	// AffectedTables lists the schema-qualified tables the plugin may mutate.
	AffectedTables []string `json:"affected_tables"`

	// LoadStrategy is the plugin's batching policy.
	LoadStrategy models.LoadStrategy `json:"load_strategy"`

	// SupportsPreprocess marks plugins that accept PREPROCESS mode.
	SupportsPreprocess bool `json:"supports_preprocess"`

	// Params declares the configuration parameters the plugin accepts.
	Params []plugin.ParamSpec `json:"params,omitempty"`

	// New creates a configured instance from validated parameters.
	New plugin.Factory `json:"-"`
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "plugin descriptor missing name")
	}
	if !d.Operation.Valid() {
		return errors.Newf(errors.ErrorTypeConfig, "plugin %s: invalid operation %q", d.Name, d.Operation)
	}
	if !d.LoadStrategy.Valid() {
		return errors.Newf(errors.ErrorTypeConfig, "plugin %s: invalid load strategy %q", d.Name, d.LoadStrategy)
	}
	if len(d.AffectedTables) == 0 {
		return errors.Newf(errors.ErrorTypeConfig, "plugin %s: no affected tables declared", d.Name)
	}
	if d.New == nil {
		return errors.Newf(errors.ErrorTypeConfig, "plugin %s: nil factory", d.Name)
	}
	return nil
}

// Registry is a write-once map of plugin name to descriptor. Registration
// of a duplicate name is an error, never a silent replacement.
type Registry struct {
	plugins map[string]*Descriptor
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Descriptor),
		logger:  logger.Get().With(zap.String("component", "plugin_registry")),
	}
}

// Register adds a plugin descriptor. It fails if the name is taken or the
// descriptor is incomplete.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[d.Name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "plugin %s already registered", d.Name)
	}

	r.plugins[d.Name] = d
	r.logger.Info("plugin registered",
		zap.String("name", d.Name),
		zap.String("operation", string(d.Operation)),
		zap.String("load_strategy", string(d.LoadStrategy)))
	return nil
}

// Describe returns the descriptor for name.
func (r *Registry) Describe(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.plugins[name]
	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "plugin %s not found", name)
	}
	return d, nil
}

// Instantiate validates params against the plugin's parameter spec and
// creates a configured instance.
func (r *Registry) Instantiate(name string, params plugin.Params) (plugin.Plugin, *Descriptor, error) {
	d, err := r.Describe(name)
	if err != nil {
		return nil, nil, err
	}

	validated, err := plugin.ValidateParams(d.Params, params)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid parameters for plugin "+name)
	}

	p, err := d.New(validated)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create plugin "+name)
	}

	// The executor dispatches PREPROCESS on the Preprocessor assertion, so the
	// descriptor flag must agree with what the instance implements.
	_, preprocessor := p.(plugin.Preprocessor)
	if preprocessor != d.SupportsPreprocess {
		return nil, nil, errors.Newf(errors.ErrorTypeConfig,
			"plugin %s declares supports_preprocess=%t but its implementation says %t",
			name, d.SupportsPreprocess, preprocessor)
	}
	return p, d, nil
}

// List returns the registered plugin names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a plugin is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.plugins[name]
	return exists
}

// Global registry instance; the CLI's composition root.
var globalRegistry = NewRegistry()

// Register adds a plugin descriptor to the global registry.
func Register(d *Descriptor) error {
	return globalRegistry.Register(d)
}

// MustRegister registers a plugin descriptor and panics on error. Intended
// for init() self-registration where a failure is a programming mistake.
func MustRegister(d *Descriptor) {
	if err := Register(d); err != nil {
		panic(err)
	}
}

// Describe returns a descriptor from the global registry.
func Describe(name string) (*Descriptor, error) {
	return globalRegistry.Describe(name)
}

// List returns registered plugin names from the global registry.
func List() []string {
	return globalRegistry.List()
}

// Has checks the global registry for name.
func Has(name string) bool {
	return globalRegistry.Has(name)
}

// Default returns the global registry instance.
func Default() *Registry {
	return globalRegistry
}
