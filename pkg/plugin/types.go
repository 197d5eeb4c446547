package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"mediad/pkg/value"
)

// Type represents the functional category of a plugin.
type Type uint32

const (
	// TypeAll matches every plugin in List, Find and Foreach.
	TypeAll Type = iota
	// TypeOutput plugins write PCM to an audio sink.
	TypeOutput
	// TypeTransform plugins turn one content type into another, or browse.
	TypeTransform
)

// API versions expected for each plugin type. A descriptor declaring a
// different version is rejected.
const (
	OutputAPIVersion    uint32 = 3
	TransformAPIVersion uint32 = 1
)

func (t Type) String() string {
	switch t {
	case TypeAll:
		return "all"
	case TypeOutput:
		return "output"
	case TypeTransform:
		return "transform"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// ParseType maps a name onto a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return TypeAll, nil
	case "output":
		return TypeOutput, nil
	case "transform", "xform":
		return TypeTransform, nil
	default:
		return TypeAll, fmt.Errorf("unknown plugin type %q", s)
	}
}

// SetupFunc is called exactly once at load time and populates the plugin's
// methods and capabilities.
type SetupFunc func(p *Plugin) error

// Descriptor is the static description exported by every plugin module.
type Descriptor struct {
	Type        Type
	ShortName   string
	Name        string
	Version     string
	Description string
	APIVersion  uint32
	Setup       SetupFunc
}

// Format describes a PCM stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Output is implemented by output plugins.
type Output interface {
	// Open prepares the sink for a stream of the given format.
	Open(ctx context.Context, format Format) error
	Write(p []byte) (int, error)
	// Flush blocks until buffered samples were played.
	Flush() error
	Close() error
}

// VolumeController is implemented by outputs with a hardware mixer.
type VolumeController interface {
	Volume() (map[string]int32, error)
	SetVolume(channel string, volume int32) error
}

// Input is what a transform stage receives.
type Input struct {
	URL    string
	Type   string
	Reader io.Reader
	Format *Format
}

// Transform is implemented by transform plugins.
type Transform interface {
	// Open starts a stage reading from in. The stage output has the
	// plugin's declared output type unless the stage implements TypedStage.
	Open(ctx context.Context, in Input) (io.ReadCloser, error)
}

// ErrNotBrowsable is returned by Browse when the input is not a listing, so
// the pipeline should open the stage and keep negotiating.
var ErrNotBrowsable = errors.New("input is not browsable")

// Browser is implemented by transforms that can list directory-like inputs.
type Browser interface {
	Browse(ctx context.Context, in Input) ([]value.Value, error)
}

// Accepter lets a transform refuse an input its patterns matched.
type Accepter interface {
	Accepts(in Input) bool
}

// TypedStage is implemented by stages that refine their output type.
type TypedStage interface {
	OutType() string
}

// FormattedStage is implemented by stages producing PCM.
type FormattedStage interface {
	Format() Format
}

// InfoPair is a free-form key/value attached by a plugin.
type InfoPair struct {
	Key   string
	Value string
}
