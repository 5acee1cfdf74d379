// Package plugin defines the plugin contract of spec §4.5: a unique name,
// a one-line description, a parameter schema, ParseParameters, and Run.
// It is the direct descendant of PluginBase/LeetPluginParameter in
// original_source/leet/base.py, reshaped into idiomatic Go (typed
// parameters registered at construction, validated before Run).
package plugin

import (
	"context"
	"fmt"

	leeterrors "github.com/jldantas/leet/internal/errors"
	"github.com/jldantas/leet/internal/machine"
	"github.com/jldantas/leet/internal/session"
)

// ResultRow is one row of plugin output. Every row returned by a single
// Run call must share the same key set (spec §4.5).
type ResultRow map[string]interface{}

// Parameter describes one named argument a plugin accepts.
type Parameter struct {
	Name        string
	Description string
	Mandatory   bool
	value       string
	set         bool
}

// Value returns the parameter's current value.
func (p *Parameter) Value() string { return p.value }

// Satisfied reports whether the parameter is either optional or has been
// given a value (the same test as PluginBase.__bool__ in the original).
func (p *Parameter) Satisfied() bool {
	if p.Mandatory && !p.set {
		return false
	}
	return true
}

// Plugin is a parameterised, idempotent unit of remote work (spec §4.5).
type Plugin interface {
	// Name is the plugin's unique registry key.
	Name() string

	// Description is a one-line summary shown by PluginList/help output.
	Description() string

	// Parameters lists the plugin's declared parameter schema.
	Parameters() []*Parameter

	// ParseParameters sets parameter values from user-supplied
	// key/value args and validates that every mandatory parameter ended
	// up set. It must be called before Run.
	ParseParameters(args map[string]string) error

	// Run executes the plugin over an open session against machine. It
	// must be idempotent: on retry it must observe and reconcile any
	// partial work a prior attempt left behind. Every row it returns
	// must share the same key set. The only error it may return is an
	// *errors.PluginError; a *errors.SessionError or *errors.CommandError
	// surfacing from the session is the plugin's decision to propagate,
	// wrap, or translate.
	Run(ctx context.Context, sess session.Session, m machine.Machine) ([]ResultRow, error)
}

// Base provides the parameter bookkeeping shared by every plugin
// implementation (registration, lookup, validation, help text) so that
// concrete plugins only need to implement Run. This mirrors
// PluginBase in original_source/leet/base.py.
type Base struct {
	name        string
	description string
	params      []*Parameter
	byName      map[string]*Parameter
}

// NewBase creates the shared plugin bookkeeping for name/description.
func NewBase(name, description string) *Base {
	return &Base{
		name:        name,
		description: description,
		byName:      make(map[string]*Parameter),
	}
}

func (b *Base) Name() string        { return b.name }
func (b *Base) Description() string { return b.description }

// RegisterParam registers a parameter the plugin accepts. Must be called
// from the plugin's constructor, before any use.
func (b *Base) RegisterParam(name, description string, mandatory bool) *Parameter {
	p := &Parameter{Name: name, Description: description, Mandatory: mandatory}
	b.params = append(b.params, p)
	b.byName[name] = p
	return p
}

func (b *Base) Parameters() []*Parameter { return b.params }

// ParseParameters sets values from args and validates mandatory
// parameters are present, exactly as PluginBase.set_param +
// check_param did.
func (b *Base) ParseParameters(args map[string]string) error {
	for key, value := range args {
		p, ok := b.byName[key]
		if !ok {
			return leeterrors.NewPluginError(fmt.Sprintf("parameter %q is invalid for plugin %q", key, b.name), nil)
		}
		p.value = value
		p.set = true
	}
	for _, p := range b.params {
		if !p.Satisfied() {
			return leeterrors.NewPluginError(fmt.Sprintf("mandatory parameter %q missing", p.Name), nil)
		}
	}
	return nil
}

// Get returns the value of a registered parameter, or "" if unset.
func (b *Base) Get(name string) string {
	if p, ok := b.byName[name]; ok {
		return p.Value()
	}
	return ""
}

// Help renders a one-line usage string for the plugin (spec §6,
// PluginList / the CLI's "plugin list" collaborator).
func (b *Base) Help() string {
	if len(b.params) == 0 {
		return fmt.Sprintf("%s\t%s", b.name, b.description)
	}
	names := make([]string, 0, len(b.params))
	for _, p := range b.params {
		names = append(names, p.Name)
	}
	help := fmt.Sprintf("%s [%s]\t%s", b.name, joinNames(names), b.description)
	return help
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "] ["
		}
		out += n
	}
	return out
}

// Registry is a compile-time plugin registry: the statically-linked
// replacement for the original's directory-scan loader (spec §6, §9).
// Reload is a no-op/rescan — there is nothing to rescan once plugins are
// linked in, but the operation is preserved as the REDESIGN FLAGS note
// requires.
type Registry struct {
	factories map[string]func() Plugin
	order     []string
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Plugin)}
}

// Register adds a plugin factory under name. Duplicate names are
// resolved last-loaded-wins (spec §6), matching the directory scanner's
// behaviour when two files happened to declare the same LEET_PG_NAME.
func (r *Registry) Register(name string, factory func() Plugin) {
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = factory
}

// List returns every registered plugin name, in registration order.
func (r *Registry) List() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns a fresh instance of the named plugin.
func (r *Registry) Get(name string) (Plugin, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, leeterrors.NewLeetError("unknown plugin %q", name)
	}
	return factory(), nil
}

// Reload is a no-op for the compile-time registry: every plugin is
// already linked in. Preserved so callers written against the original
// dynamic-loading semantics keep working unchanged.
func (r *Registry) Reload() {}
