package xform

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mediad/internal/errors"
	"mediad/pkg/plugin"
	"mediad/pkg/value"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, mime string
		want          bool
	}{
		{"application/rss+xml*", "application/rss+xml; charset=utf-8", true},
		{"application/rss+xml*", "application/rss+xml", true},
		{"audio/*", "AUDIO/x-wav", true},
		{"audio/*", "video/mp4", false},
		{"*", "", true},
		{"application/x-url", "application/x-url", true},
		{"application/x-url", "application/x-urls", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.mime), "%s vs %s", tc.pattern, tc.mime)
	}
}

// sourceTransform turns a URL into its text body.
type sourceTransform struct{}

func (sourceTransform) Open(_ context.Context, in plugin.Input) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(strings.TrimPrefix(in.URL, "text:"))), nil
}

func (sourceTransform) Accepts(in plugin.Input) bool {
	return strings.HasPrefix(in.URL, "text:")
}

type upperTransform struct{}

func (upperTransform) Open(_ context.Context, in plugin.Input) (io.ReadCloser, error) {
	data, err := io.ReadAll(in.Reader)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(strings.ToUpper(string(data)))), nil
}

// loopTransform accepts its own output, so it would recurse if it could be
// reused within one pipeline.
type loopTransform struct{}

func (loopTransform) Open(_ context.Context, in plugin.Input) (io.ReadCloser, error) {
	return io.NopCloser(in.Reader), nil
}

type listTransform struct{}

func (listTransform) Open(_ context.Context, in plugin.Input) (io.ReadCloser, error) {
	return io.NopCloser(in.Reader), nil
}

func (listTransform) Browse(_ context.Context, in plugin.Input) ([]value.Value, error) {
	var out []value.Value
	sc := bufio.NewScanner(in.Reader)
	for sc.Scan() {
		out = append(out, value.Dict(map[string]value.Value{"path": value.String(sc.Text())}))
	}
	return out, sc.Err()
}

func register(t *testing.T, r *plugin.Registry, name string, impl plugin.Transform, out string, in ...string) {
	t.Helper()
	err := r.LoadBuiltin(plugin.Descriptor{
		Type:       plugin.TypeTransform,
		ShortName:  name,
		APIVersion: plugin.TransformAPIVersion,
		Setup: func(p *plugin.Plugin) error {
			if err := p.SetTransform(impl); err != nil {
				return err
			}
			for _, pattern := range in {
				if err := p.AddInputType(pattern); err != nil {
					return err
				}
			}
			return p.SetOutputType(out)
		},
	})
	require.NoError(t, err)
}

func newRegistry(t *testing.T) *plugin.Registry {
	r := plugin.NewRegistry()
	register(t, r, "source", sourceTransform{}, "text/plain", URLType)
	register(t, r, "upper", upperTransform{}, "text/x-upper", "text/plain*")
	register(t, r, "loop", loopTransform{}, "text/x-upper", "text/x-upper")
	register(t, r, "list", listTransform{}, "text/x-list", "text/x-upper")
	t.Cleanup(r.Shutdown)
	return r
}

func TestOpenNegotiatesToGoal(t *testing.T) {
	r := newRegistry(t)

	pl, err := Open(context.Background(), r, "text:hello", "text/x-upper")
	require.NoError(t, err)
	data, err := io.ReadAll(pl)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))
	assert.Equal(t, []string{"source", "upper"}, pl.Chain())
	assert.Equal(t, "text/x-upper", pl.OutType())
	require.NoError(t, pl.Close())

	r.Foreach(plugin.TypeAll, func(p *plugin.Plugin) bool {
		assert.Equal(t, int64(1), p.Refs(), "pipeline must release %s", p.ShortName())
		return true
	})
}

func TestOpenFailsWithoutCandidate(t *testing.T) {
	r := newRegistry(t)

	_, err := Open(context.Background(), r, "ftp://nowhere", "audio/pcm")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))

	_, err = Open(context.Background(), r, "text:x", "audio/pcm")
	require.Error(t, err, "loop must be used at most once and then negotiation ends")
}

func TestBrowseUsesFirstBrowser(t *testing.T) {
	r := newRegistry(t)

	entries, err := Browse(context.Background(), r, "text:a\nb")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	path, _ := entries[1].DictString("path")
	assert.Equal(t, "B", path)

	_, err = Browse(context.Background(), r, "ftp://nowhere")
	assert.Equal(t, apperrors.CodeUnsupported, apperrors.CodeOf(err))
}
