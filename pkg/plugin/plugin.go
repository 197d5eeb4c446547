package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mediad/pkg/logger"
	"mediad/pkg/object"
	"mediad/pkg/value"
)

// Module owns the code of a dynamically loaded plugin. Built-in plugins have
// no module.
type Module interface {
	Path() string
	Close() error
}

// Plugin is a live plugin instance. It is shared by reference: Find and
// List hand out references that callers release with Unref.
type Plugin struct {
	obj    *object.Object
	desc   Descriptor
	module Module

	mu        sync.RWMutex
	info      []InfoPair
	settings  map[string]string
	output    *outputMethods
	transform *transformMethods
}

type outputMethods struct {
	impl Output
}

type transformMethods struct {
	impl Transform
	in   []string
	out  string
}

func newPlugin(desc Descriptor, mod Module, settings map[string]string) *Plugin {
	p := &Plugin{desc: desc, module: mod, settings: settings}
	p.obj = object.New("plugin:"+desc.ShortName, func(*object.Object) { p.destroy() })
	return p
}

func (p *Plugin) destroy() {
	if p.module == nil {
		return
	}
	if err := p.module.Close(); err != nil {
		logger.Named("plugin").Warn("close plugin module",
			slog.String("plugin", p.desc.ShortName),
			slog.String("path", p.module.Path()),
			slog.Any("error", err))
	}
}

// Ref takes an additional reference.
func (p *Plugin) Ref() *Plugin {
	p.obj.Ref()
	return p
}

// Unref releases a reference.
func (p *Plugin) Unref() { p.obj.Unref() }

// Refs returns the current reference count.
func (p *Plugin) Refs() int64 { return p.obj.Refs() }

// Descriptor returns the static descriptor.
func (p *Plugin) Descriptor() Descriptor { return p.desc }

// Type returns the plugin type.
func (p *Plugin) Type() Type { return p.desc.Type }

// ShortName returns the short name.
func (p *Plugin) ShortName() string { return p.desc.ShortName }

// Name returns the display name.
func (p *Plugin) Name() string { return p.desc.Name }

// Module returns the owning module, nil for built-ins.
func (p *Plugin) Module() Module { return p.module }

// AddInfo appends a free-form key/value pair, e.g. author.
func (p *Plugin) AddInfo(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = append(p.info, InfoPair{Key: key, Value: value})
}

// Info returns the info pairs in the order they were added.
func (p *Plugin) Info() []InfoPair {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]InfoPair, len(p.info))
	copy(out, p.info)
	return out
}

// Setting reads a configured value for this plugin.
func (p *Plugin) Setting(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.settings[key]
	return v, ok
}

// SetOutput installs the output methods. Only valid on output plugins.
func (p *Plugin) SetOutput(o Output) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.output == nil {
		return fmt.Errorf("plugin %s is not an output plugin", p.desc.ShortName)
	}
	p.output.impl = o
	return nil
}

// Output returns the output methods, nil for other plugin types.
func (p *Plugin) Output() Output {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.output == nil {
		return nil
	}
	return p.output.impl
}

// SetTransform installs the transform methods. Only valid on transform plugins.
func (p *Plugin) SetTransform(t Transform) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transform == nil {
		return fmt.Errorf("plugin %s is not a transform plugin", p.desc.ShortName)
	}
	p.transform.impl = t
	return nil
}

// Transform returns the transform methods, nil for other plugin types.
func (p *Plugin) Transform() Transform {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.transform == nil {
		return nil
	}
	return p.transform.impl
}

// AddInputType declares an accepted content-type pattern. `*` matches any
// run of characters.
func (p *Plugin) AddInputType(pattern string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transform == nil {
		return fmt.Errorf("plugin %s is not a transform plugin", p.desc.ShortName)
	}
	p.transform.in = append(p.transform.in, pattern)
	return nil
}

// SetOutputType declares the content type the transform produces.
func (p *Plugin) SetOutputType(mime string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transform == nil {
		return fmt.Errorf("plugin %s is not a transform plugin", p.desc.ShortName)
	}
	p.transform.out = mime
	return nil
}

// InputTypes returns the accepted content-type patterns.
func (p *Plugin) InputTypes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.transform == nil {
		return nil
	}
	out := make([]string, len(p.transform.in))
	copy(out, p.transform.in)
	return out
}

// OutputType returns the declared output content type.
func (p *Plugin) OutputType() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.transform == nil {
		return ""
	}
	return p.transform.out
}

// Describe renders the plugin for clients.
func (p *Plugin) Describe() value.Value {
	entries := map[string]value.Value{
		"name":        value.String(p.desc.Name),
		"shortname":   value.String(p.desc.ShortName),
		"version":     value.String(p.desc.Version),
		"description": value.String(p.desc.Description),
		"type":        value.UInt32(uint32(p.desc.Type)),
	}
	for _, pair := range p.Info() {
		if _, taken := entries[pair.Key]; taken {
			continue
		}
		entries[pair.Key] = value.String(pair.Value)
	}
	return value.Dict(entries)
}

// kind holds what differs per plugin type.
type kind struct {
	api    uint32
	alloc  func(p *Plugin)
	verify func(p *Plugin) error
}

var kinds = map[Type]kind{
	TypeOutput: {
		api:   OutputAPIVersion,
		alloc: func(p *Plugin) { p.output = &outputMethods{} },
		verify: func(p *Plugin) error {
			if p.Output() == nil {
				return errors.New("output methods missing")
			}
			return nil
		},
	},
	TypeTransform: {
		api:   TransformAPIVersion,
		alloc: func(p *Plugin) { p.transform = &transformMethods{} },
		verify: func(p *Plugin) error {
			if p.Transform() == nil {
				return errors.New("transform methods missing")
			}
			if len(p.InputTypes()) == 0 {
				return errors.New("no input types declared")
			}
			if p.OutputType() == "" {
				return errors.New("no output type declared")
			}
			return nil
		},
	},
}

// ExpectedAPIVersion returns the API version a descriptor of type t must
// declare.
func ExpectedAPIVersion(t Type) (uint32, bool) {
	k, ok := kinds[t]
	return k.api, ok
}
