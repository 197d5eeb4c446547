package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "mediad/internal/errors"
	"mediad/pkg/logger"
)

// LoadEvent reports one load attempt to the registry observer.
type LoadEvent struct {
	ScanID     string
	Path       string
	ShortName  string
	Type       Type
	APIVersion uint32
	Err        error
	At         time.Time
}

// Loaded reports whether the attempt registered a plugin.
func (e LoadEvent) Loaded() bool { return e.Err == nil }

// BuiltinScanID marks load events of compiled-in plugins.
const BuiltinScanID = "builtin"

// Option configures a Registry.
type Option func(*Registry)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(r *Registry) {
		if loader != nil {
			r.loader = loader
		}
	}
}

// WithPolicy installs a load policy.
func WithPolicy(policy Policy) Option {
	return func(r *Registry) {
		r.policy = NewPolicy(policy)
	}
}

// WithSuffix overrides the shared-library suffix used by Scan.
func WithSuffix(suffix string) Option {
	return func(r *Registry) {
		if suffix != "" {
			r.suffix = suffix
		}
	}
}

// WithSettings supplies per-plugin settings keyed by short name.
func WithSettings(settings map[string]map[string]string) Option {
	return func(r *Registry) {
		for name, values := range settings {
			cp := make(map[string]string, len(values))
			for k, v := range values {
				cp[k] = v
			}
			r.settings[strings.ToLower(name)] = cp
		}
	}
}

// WithObserver is called after every load attempt.
func WithObserver(fn func(LoadEvent)) Option {
	return func(r *Registry) {
		r.observer = fn
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// Registry keeps the live plugin instances. New instances are prepended, so
// iteration order is most recently loaded first.
type Registry struct {
	mu      sync.RWMutex
	plugins []*Plugin

	loader   Loader
	policy   Policy
	suffix   string
	settings map[string]map[string]string
	observer func(LoadEvent)
	log      *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		loader:   GoPluginLoader{},
		policy:   AllowAll{},
		suffix:   DefaultSuffix(),
		settings: make(map[string]map[string]string),
		log:      logger.Named("plugin"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Scan loads every module in dir named lib*<suffix>. Modules that fail to
// open or load are logged and skipped. Scan only fails when dir itself
// cannot be read. It returns the number of plugins loaded.
func (r *Registry) Scan(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeIOFailure, err, fmt.Sprintf("read plugin directory %s", dir))
	}
	scanID := uuid.NewString()
	r.log.Debug("scanning plugin directory", slog.String("dir", dir), slog.String("scan", scanID))

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "lib") || !strings.HasSuffix(name, r.suffix) {
			continue
		}
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
			continue
		}
		desc, mod, err := r.loader.Load(path)
		if err != nil {
			err = apperrors.Wrap(apperrors.CodeLoadFailure, err, "open plugin module", apperrors.WithMetadata("path", path))
			r.log.LogAttrs(context.Background(), apperrors.LevelOf(err), "skipping plugin module", apperrors.Attrs(err)...)
			r.observe(LoadEvent{ScanID: scanID, Path: path, Err: err, At: time.Now()})
			continue
		}
		if err := r.load(scanID, path, desc, mod); err != nil {
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Load verifies desc, runs its setup function and registers the instance.
// mod may be nil for compiled-in plugins. On failure nothing is registered
// and mod is closed.
func (r *Registry) Load(desc Descriptor, mod Module) error {
	path := ""
	if mod != nil {
		path = mod.Path()
	}
	return r.load("", path, desc, mod)
}

// LoadBuiltin registers a compiled-in plugin.
func (r *Registry) LoadBuiltin(desc Descriptor) error {
	return r.load(BuiltinScanID, "", desc, nil)
}

func (r *Registry) load(scanID, path string, desc Descriptor, mod Module) error {
	err := r.register(desc, mod)
	event := LoadEvent{
		ScanID:     scanID,
		Path:       path,
		ShortName:  desc.ShortName,
		Type:       desc.Type,
		APIVersion: desc.APIVersion,
		Err:        err,
		At:         time.Now(),
	}
	if err != nil {
		attrs := append([]slog.Attr{
			slog.String("plugin", desc.ShortName),
			slog.String("type", desc.Type.String()),
			slog.String("path", path),
		}, apperrors.Attrs(err)...)
		r.log.LogAttrs(context.Background(), apperrors.LevelOf(err), "plugin rejected", attrs...)
	} else {
		r.log.Debug("plugin loaded",
			slog.String("plugin", desc.ShortName),
			slog.String("type", desc.Type.String()),
			slog.String("version", desc.Version))
	}
	r.observe(event)
	return err
}

func (r *Registry) register(desc Descriptor, mod Module) error {
	closeModule := func() {
		if mod != nil {
			_ = mod.Close()
		}
	}
	k, ok := kinds[desc.Type]
	if !ok {
		closeModule()
		return apperrors.New(apperrors.CodeLoadFailure, fmt.Sprintf("unknown plugin type %s", desc.Type))
	}
	if desc.APIVersion != k.api {
		closeModule()
		return apperrors.New(apperrors.CodeABIMismatch,
			fmt.Sprintf("%s plugin %s declares api %d, expected %d", desc.Type, desc.ShortName, desc.APIVersion, k.api))
	}
	if desc.ShortName == "" {
		closeModule()
		return apperrors.New(apperrors.CodeLoadFailure, "plugin has no short name")
	}
	if err := r.policy.Validate(desc); err != nil {
		closeModule()
		return err
	}
	if desc.Setup == nil {
		closeModule()
		return apperrors.New(apperrors.CodeSetupFailure, fmt.Sprintf("plugin %s has no setup function", desc.ShortName))
	}

	p := newPlugin(desc, mod, r.settings[strings.ToLower(desc.ShortName)])
	k.alloc(p)
	if err := runSetup(desc.Setup, p); err != nil {
		p.Unref()
		return apperrors.Wrap(apperrors.CodeSetupFailure, err, fmt.Sprintf("setup plugin %s", desc.ShortName))
	}
	if err := k.verify(p); err != nil {
		p.Unref()
		return apperrors.Wrap(apperrors.CodeVerifyFailure, err, fmt.Sprintf("verify plugin %s", desc.ShortName))
	}

	r.mu.Lock()
	r.plugins = append([]*Plugin{p}, r.plugins...)
	r.mu.Unlock()
	return nil
}

func runSetup(setup SetupFunc, p *Plugin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("setup panicked: %v", rec)
		}
	}()
	return setup(p)
}

// Find returns a new reference to the first plugin of type t whose short
// name matches name case-insensitively, or nil.
func (r *Registry) Find(t Type, name string) *Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if !matchesType(p, t) {
			continue
		}
		if strings.EqualFold(p.desc.ShortName, name) {
			return p.Ref()
		}
	}
	return nil
}

// List returns references to every plugin of type t. Callers release them,
// for instance with ReleaseAll.
func (r *Registry) List(t Type) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		if matchesType(p, t) {
			out = append(out, p.Ref())
		}
	}
	return out
}

// Foreach calls fn for each plugin of type t, most recently loaded first,
// until fn returns false. fn must not load plugins.
func (r *Registry) Foreach(t Type, fn func(p *Plugin) bool) {
	for _, p := range r.snapshot() {
		if !matchesType(p, t) {
			continue
		}
		if !fn(p) {
			return
		}
	}
}

// Len returns the number of live plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Shutdown releases the registry's reference to every plugin. Plugins still
// referenced elsewhere are logged; they are destroyed when their last holder
// lets go.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	plugins := r.plugins
	r.plugins = nil
	r.mu.Unlock()

	for _, p := range plugins {
		if refs := p.Refs(); refs > 1 {
			r.log.Warn("plugin still referenced at shutdown",
				slog.String("plugin", p.desc.ShortName),
				slog.Int64("refs", refs))
		}
		p.Unref()
	}
}

func (r *Registry) snapshot() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

func (r *Registry) observe(event LoadEvent) {
	if r.observer != nil {
		r.observer(event)
	}
}

func matchesType(p *Plugin, t Type) bool {
	return t == TypeAll || p.desc.Type == t
}

// ReleaseAll drops one reference from each plugin.
func ReleaseAll(plugins []*Plugin) {
	for _, p := range plugins {
		if p != nil {
			p.Unref()
		}
	}
}
