// Package xform builds transform pipelines: chains of transform plugins
// selected by content-type negotiation, through which media bytes or browse
// results flow.
package xform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	apperrors "mediad/internal/errors"
	"mediad/pkg/logger"
	"mediad/pkg/plugin"
	"mediad/pkg/value"
)

// URLType is the content type of a pipeline's initial input.
const URLType = "application/x-url"

// PCMType is the content type produced by decoders.
const PCMType = "audio/pcm"

// MaxDepth bounds the number of stages in one pipeline.
const MaxDepth = 16

// Match reports whether mime matches pattern. Matching is case-insensitive
// and `*` matches any run of characters, including none.
func Match(pattern, mime string) bool {
	return glob(strings.ToLower(pattern), strings.ToLower(mime))
}

func glob(pattern, s string) bool {
	star, mark := -1, 0
	p, i := 0, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, i
			p++
		case p < len(pattern) && pattern[p] == s[i]:
			p++
			i++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// Stage is one opened transform in a pipeline.
type Stage struct {
	Plugin  *plugin.Plugin
	InType  string
	OutType string
	Format  *plugin.Format
	reader  io.ReadCloser
}

// Pipeline is an opened sequence of stages. Reading from it reads the
// output of the last stage.
type Pipeline struct {
	url    string
	stages []*Stage
	out    io.Reader
	typ    string
	format *plugin.Format
}

// URL returns the source the pipeline was built for.
func (p *Pipeline) URL() string { return p.url }

// OutType returns the content type of the pipeline output.
func (p *Pipeline) OutType() string { return p.typ }

// Format returns the PCM format, if a stage declared one.
func (p *Pipeline) Format() (plugin.Format, bool) {
	if p.format == nil {
		return plugin.Format{}, false
	}
	return *p.format, true
}

// Chain lists the short names of the stages in order.
func (p *Pipeline) Chain() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Plugin.ShortName()
	}
	return names
}

// Read implements io.Reader.
func (p *Pipeline) Read(b []byte) (int, error) {
	if p.out == nil {
		return 0, io.EOF
	}
	return p.out.Read(b)
}

// Close closes the stages last to first and releases their plugins.
func (p *Pipeline) Close() error {
	var err error
	for i := len(p.stages) - 1; i >= 0; i-- {
		s := p.stages[i]
		if s.reader != nil {
			err = errors.Join(err, s.reader.Close())
		}
		s.Plugin.Unref()
	}
	p.stages = nil
	p.out = nil
	return err
}

// Open builds a pipeline from url until its output matches goal.
func Open(ctx context.Context, reg *plugin.Registry, url, goal string) (*Pipeline, error) {
	log := logger.Named("xform")
	pl := &Pipeline{url: url, typ: URLType}
	in := plugin.Input{URL: url, Type: URLType}
	used := map[*plugin.Plugin]bool{}

	for !Match(goal, pl.typ) {
		if err := ctx.Err(); err != nil {
			_ = pl.Close()
			return nil, err
		}
		if len(pl.stages) >= MaxDepth {
			_ = pl.Close()
			return nil, apperrors.New(apperrors.CodeUnsupported, fmt.Sprintf("%s: no %s after %d stages", url, goal, MaxDepth))
		}
		p := next(reg, in, used)
		if p == nil {
			_ = pl.Close()
			return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("%s: no transform accepts %s", url, in.Type))
		}
		stage, err := openStage(ctx, p, in)
		if err != nil {
			_ = pl.Close()
			return nil, err
		}
		log.Debug("stage opened",
			slog.String("url", url),
			slog.String("plugin", p.ShortName()),
			slog.String("in", stage.InType),
			slog.String("out", stage.OutType))
		pl.push(stage)
		in = plugin.Input{URL: url, Type: stage.OutType, Reader: stage.reader, Format: pl.format}
	}
	return pl, nil
}

// Browse lists url. Each candidate stage that can browse is asked first;
// otherwise it is opened and negotiation continues with its output.
func Browse(ctx context.Context, reg *plugin.Registry, url string) ([]value.Value, error) {
	pl := &Pipeline{url: url, typ: URLType}
	defer pl.Close()
	in := plugin.Input{URL: url, Type: URLType}
	used := map[*plugin.Plugin]bool{}

	for depth := 0; depth < MaxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := next(reg, in, used)
		if p == nil {
			return nil, apperrors.New(apperrors.CodeUnsupported, fmt.Sprintf("%s: cannot browse %s", url, in.Type))
		}
		if b, ok := p.Transform().(plugin.Browser); ok {
			entries, err := b.Browse(ctx, in)
			switch {
			case err == nil:
				p.Unref()
				return entries, nil
			case !errors.Is(err, plugin.ErrNotBrowsable):
				p.Unref()
				return nil, apperrors.Wrap(apperrors.CodeIOFailure, err, fmt.Sprintf("browse %s with %s", url, p.ShortName()))
			}
		}
		stage, err := openStage(ctx, p, in)
		if err != nil {
			return nil, err
		}
		pl.push(stage)
		in = plugin.Input{URL: url, Type: stage.OutType, Reader: stage.reader, Format: pl.format}
	}
	return nil, apperrors.New(apperrors.CodeUnsupported, fmt.Sprintf("%s: browse exceeded %d stages", url, MaxDepth))
}

func (pl *Pipeline) push(s *Stage) {
	pl.stages = append(pl.stages, s)
	pl.out = s.reader
	pl.typ = s.OutType
	if s.Format != nil {
		pl.format = s.Format
	}
}

// next returns a referenced, unused transform whose patterns match in.
func next(reg *plugin.Registry, in plugin.Input, used map[*plugin.Plugin]bool) *plugin.Plugin {
	var found *plugin.Plugin
	reg.Foreach(plugin.TypeTransform, func(p *plugin.Plugin) bool {
		if used[p] || !accepts(p, in) {
			return true
		}
		found = p.Ref()
		return false
	})
	if found != nil {
		used[found] = true
	}
	return found
}

func accepts(p *plugin.Plugin, in plugin.Input) bool {
	matched := false
	for _, pattern := range p.InputTypes() {
		if Match(pattern, in.Type) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if a, ok := p.Transform().(plugin.Accepter); ok {
		return a.Accepts(in)
	}
	return true
}

func openStage(ctx context.Context, p *plugin.Plugin, in plugin.Input) (*Stage, error) {
	rc, err := p.Transform().Open(ctx, in)
	if err != nil {
		p.Unref()
		return nil, apperrors.Wrap(apperrors.CodeIOFailure, err, fmt.Sprintf("open %s stage for %s", p.ShortName(), in.URL))
	}
	s := &Stage{Plugin: p, InType: in.Type, OutType: p.OutputType(), reader: rc}
	if typed, ok := rc.(plugin.TypedStage); ok && typed.OutType() != "" {
		s.OutType = typed.OutType()
	}
	if formatted, ok := rc.(plugin.FormattedStage); ok {
		f := formatted.Format()
		s.Format = &f
	}
	return s, nil
}
