package plugin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	apperrors "mediad/internal/errors"
	"mediad/pkg/value"
)

type nopOutput struct{}

func (nopOutput) Open(context.Context, Format) error { return nil }
func (nopOutput) Write(p []byte) (int, error)        { return len(p), nil }
func (nopOutput) Flush() error                       { return nil }
func (nopOutput) Close() error                       { return nil }

type nopTransform struct{}

func (nopTransform) Open(_ context.Context, in Input) (io.ReadCloser, error) {
	return io.NopCloser(in.Reader), nil
}

func outputDescriptor(name string, setupCalls *atomic.Int32) Descriptor {
	return Descriptor{
		Type:       TypeOutput,
		ShortName:  name,
		Name:       strings.ToUpper(name),
		Version:    "1.0",
		APIVersion: OutputAPIVersion,
		Setup: func(p *Plugin) error {
			if setupCalls != nil {
				setupCalls.Add(1)
			}
			p.AddInfo("author", "tests")
			return p.SetOutput(nopOutput{})
		},
	}
}

func transformDescriptor(name string) Descriptor {
	return Descriptor{
		Type:       TypeTransform,
		ShortName:  name,
		APIVersion: TransformAPIVersion,
		Setup: func(p *Plugin) error {
			if err := p.SetTransform(nopTransform{}); err != nil {
				return err
			}
			if err := p.AddInputType("audio/*"); err != nil {
				return err
			}
			return p.SetOutputType("audio/pcm")
		},
	}
}

type fakeModule struct {
	path   string
	closed atomic.Int32
}

func (m *fakeModule) Path() string { return m.path }
func (m *fakeModule) Close() error {
	m.closed.Add(1)
	return nil
}

type fakeLoader map[string]Descriptor

func (l fakeLoader) Load(path string) (Descriptor, Module, error) {
	desc, ok := l[filepath.Base(path)]
	if !ok {
		return Descriptor{}, nil, errors.New("symbol PluginDescriptor not found")
	}
	return desc, &fakeModule{path: path}, nil
}

func TestABIMismatchNeverRegisters(t *testing.T) {
	t.Parallel()

	var setupCalls atomic.Int32
	r := NewRegistry()
	desc := outputDescriptor("alsa", &setupCalls)
	desc.APIVersion = OutputAPIVersion + 1
	mod := &fakeModule{path: "/plugins/libalsa.so"}

	err := r.Load(desc, mod)
	if apperrors.CodeOf(err) != apperrors.CodeABIMismatch {
		t.Fatalf("expected abi mismatch, got %v", err)
	}
	if r.Len() != 0 || r.Find(TypeOutput, "alsa") != nil {
		t.Fatalf("mismatched plugin must not be registered")
	}
	if setupCalls.Load() != 0 {
		t.Fatalf("setup must not run for a rejected plugin")
	}
	if mod.closed.Load() != 1 {
		t.Fatalf("rejected module should be closed")
	}
}

func TestFindReturnsMostRecent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := outputDescriptor("pulse", nil)
	first.Version = "1"
	second := outputDescriptor("PULSE", nil)
	second.Version = "2"
	if err := r.LoadBuiltin(first); err != nil {
		t.Fatalf("load first: %v", err)
	}
	if err := r.LoadBuiltin(second); err != nil {
		t.Fatalf("load second: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("duplicate names are both loaded, got %d", r.Len())
	}

	p := r.Find(TypeOutput, "Pulse")
	if p == nil {
		t.Fatalf("expected a match")
	}
	defer p.Unref()
	if p.Descriptor().Version != "2" {
		t.Fatalf("expected most recent plugin, got version %s", p.Descriptor().Version)
	}
	if p.Refs() != 2 {
		t.Fatalf("find should hand out a new reference, refs=%d", p.Refs())
	}
	if r.Find(TypeTransform, "pulse") != nil {
		t.Fatalf("find must filter by type")
	}
}

func TestScanSkipsBadModules(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"libgood.so", "libold.so", "libbroken.so", "README", "notlib.so"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "libdir.so"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	old := outputDescriptor("old", nil)
	old.APIVersion = OutputAPIVersion - 1
	loader := fakeLoader{
		"libgood.so": transformDescriptor("good"),
		"libold.so":  old,
		"notlib.so":  outputDescriptor("notlib", nil),
	}

	var events []LoadEvent
	r := NewRegistry(WithLoader(loader), WithObserver(func(e LoadEvent) { events = append(events, e) }))
	loaded, err := r.Scan(dir)
	if err != nil {
		t.Fatalf("scan must not fail on bad modules: %v", err)
	}
	if loaded != 1 || r.Len() != 1 {
		t.Fatalf("expected one plugin, loaded=%d len=%d", loaded, r.Len())
	}
	if len(r.List(TypeOutput)) != 0 {
		t.Fatalf("output list must be unchanged by the mismatched module")
	}
	if len(events) != 3 {
		t.Fatalf("expected three load attempts, got %d", len(events))
	}
	rejected := 0
	for _, e := range events {
		if !e.Loaded() {
			rejected++
		}
		if e.ScanID == "" {
			t.Fatalf("scan events need a scan id")
		}
	}
	if rejected != 2 {
		t.Fatalf("expected two rejected attempts, got %d", rejected)
	}

	if _, err := r.Scan(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("unreadable directory should be reported")
	}
}

func TestVerifyRejectsIncompleteTransform(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	desc := transformDescriptor("half")
	desc.Setup = func(p *Plugin) error {
		return p.SetTransform(nopTransform{})
	}
	err := r.LoadBuiltin(desc)
	if apperrors.CodeOf(err) != apperrors.CodeVerifyFailure {
		t.Fatalf("expected verify failure, got %v", err)
	}

	wrongKind := outputDescriptor("confused", nil)
	wrongKind.Setup = func(p *Plugin) error { return p.SetTransform(nopTransform{}) }
	if err := r.LoadBuiltin(wrongKind); apperrors.CodeOf(err) != apperrors.CodeSetupFailure {
		t.Fatalf("expected setup failure, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("nothing should be registered")
	}
}

func TestPolicyDeniesBeforeSetup(t *testing.T) {
	t.Parallel()

	var setupCalls atomic.Int32
	cfg := Config{Deny: []string{"Alsa"}}
	r := NewRegistry(cfg.Options()...)
	err := r.LoadBuiltin(outputDescriptor("alsa", &setupCalls))
	if apperrors.CodeOf(err) != apperrors.CodePolicyDenied {
		t.Fatalf("expected policy denial, got %v", err)
	}
	if setupCalls.Load() != 0 {
		t.Fatalf("setup ran for a denied plugin")
	}
	if err := r.LoadBuiltin(outputDescriptor("null", nil)); err != nil {
		t.Fatalf("non-denied plugin should load: %v", err)
	}
}

func TestRejectionLogLevelFollowsSeverity(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cfg := Config{Deny: []string{"alsa"}}
	opts := append(cfg.Options(), WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	r := NewRegistry(opts...)

	if err := r.LoadBuiltin(outputDescriptor("alsa", nil)); err == nil {
		t.Fatalf("denied plugin should fail")
	}
	stale := outputDescriptor("stale", nil)
	stale.APIVersion = OutputAPIVersion + 1
	if err := r.LoadBuiltin(stale); err == nil {
		t.Fatalf("api mismatch should fail")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two rejection lines, got %q", buf.String())
	}
	for i, want := range []string{"level=INFO", "level=WARN"} {
		if !strings.Contains(lines[i], want) || !strings.Contains(lines[i], "plugin rejected") {
			t.Fatalf("line %d: expected %s rejection, got %q", i, want, lines[i])
		}
	}
	if !strings.Contains(lines[0], "code=POLICY_DENIED") || !strings.Contains(lines[1], "code=ABI_MISMATCH") {
		t.Fatalf("rejections should carry their code: %q", buf.String())
	}
	if !strings.Contains(lines[1], "retryable=false") {
		t.Fatalf("rejections should carry the retry hint: %q", lines[1])
	}
}

func TestShutdownLogsLeakedReferences(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	mod := &fakeModule{path: "libnull.so"}
	if err := r.Load(outputDescriptor("null", nil), mod); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.LoadBuiltin(outputDescriptor("clean", nil)); err != nil {
		t.Fatalf("load: %v", err)
	}
	leaked := r.Find(TypeAll, "null")

	r.Shutdown()
	if !strings.Contains(buf.String(), "still referenced") {
		t.Fatalf("expected leak diagnostic, got %q", buf.String())
	}
	if mod.closed.Load() != 0 {
		t.Fatalf("module must stay open while referenced")
	}
	leaked.Unref()
	if mod.closed.Load() != 1 {
		t.Fatalf("module should close with the last reference")
	}
	if r.Len() != 0 {
		t.Fatalf("registry should be empty after shutdown")
	}
}

func TestForeachOrderAndDescribe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithSettings(map[string]map[string]string{"B": {"device": "hw:0"}}))
	for _, name := range []string{"a", "b", "c"} {
		if err := r.LoadBuiltin(outputDescriptor(name, nil)); err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
	}

	var seen []string
	r.Foreach(TypeOutput, func(p *Plugin) bool {
		seen = append(seen, p.ShortName())
		return p.ShortName() != "b"
	})
	if strings.Join(seen, ",") != "c,b" {
		t.Fatalf("unexpected iteration order: %v", seen)
	}

	p := r.Find(TypeOutput, "b")
	defer p.Unref()
	if v, ok := p.Setting("device"); !ok || v != "hw:0" {
		t.Fatalf("expected setting, got %q", v)
	}
	d := p.Describe()
	if s, _ := d.DictString("author"); s != "tests" {
		t.Fatalf("info pairs missing from description: %s", d)
	}
	if typ, _ := d.DictUInt32("type"); typ != uint32(TypeOutput) {
		t.Fatalf("unexpected type in description: %s", d)
	}
	if !value.Equal(d, p.Describe()) {
		t.Fatalf("describe must be stable")
	}

	all := r.List(TypeAll)
	if len(all) != 3 {
		t.Fatalf("expected three plugins, got %d", len(all))
	}
	ReleaseAll(all)
	if p.Refs() != 2 {
		t.Fatalf("release should return refs, got %d", p.Refs())
	}
}
