package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// DescriptorSymbol is the symbol every plugin module must export.
const DescriptorSymbol = "PluginDescriptor"

// Loader opens plugin modules and returns their descriptor.
type Loader interface {
	Load(path string) (Descriptor, Module, error)
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically load modules.
type GoPluginLoader struct{}

// Load opens the shared object and resolves the PluginDescriptor symbol. The
// symbol may be a Descriptor variable or a func() Descriptor.
func (GoPluginLoader) Load(path string) (Descriptor, Module, error) {
	if path == "" {
		return Descriptor{}, nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return Descriptor{}, nil, err
	}
	symbol, err := so.Lookup(DescriptorSymbol)
	if err != nil {
		return Descriptor{}, nil, err
	}
	var desc Descriptor
	switch d := symbol.(type) {
	case *Descriptor:
		if d == nil {
			return Descriptor{}, nil, errors.New("plugin descriptor is nil")
		}
		desc = *d
	case func() Descriptor:
		desc = d()
	case *func() Descriptor:
		if d == nil || *d == nil {
			return Descriptor{}, nil, errors.New("plugin descriptor func is nil")
		}
		desc = (*d)()
	default:
		return Descriptor{}, nil, fmt.Errorf("symbol %s has type %T, want plugin.Descriptor", DescriptorSymbol, symbol)
	}
	return desc, goModule{path: path}, nil
}

// goModule represents an opened Go plugin. Go plugins cannot be unloaded, so
// Close only forgets the handle.
type goModule struct {
	path string
}

func (m goModule) Path() string { return m.path }

func (m goModule) Close() error { return nil }
