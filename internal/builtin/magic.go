package builtin

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"mediad/pkg/plugin"
)

const sniffLen = 512

func magicDescriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Type:        plugin.TypeTransform,
		ShortName:   "magic",
		Name:        "Magic",
		Version:     Version,
		Description: "Identifies the content type of a byte stream",
		APIVersion:  plugin.TransformAPIVersion,
		Setup: func(p *plugin.Plugin) error {
			if err := p.SetTransform(magicTransform{}); err != nil {
				return err
			}
			if err := p.AddInputType(OctetStreamType); err != nil {
				return err
			}
			return p.SetOutputType(OctetStreamType)
		},
	}
}

type magicTransform struct{}

func (magicTransform) Open(_ context.Context, in plugin.Input) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(in.Reader, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	return &sniffed{Reader: br, typ: Sniff(head, in.URL)}, nil
}

// Sniff 根据数据头部与 URL 扩展名推断内容类型。
func Sniff(head []byte, url string) string {
	switch {
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return WAVType
	case bytes.Contains(bytes.ToLower(head), []byte("<rss ")):
		return RSSType
	}
	if strings.EqualFold(path.Ext(url), ".rss") {
		return "application/rss+xml"
	}
	if len(head) == 0 {
		return OctetStreamType
	}
	typ := http.DetectContentType(head)
	if typ == "application/octet-stream" {
		return OctetStreamType
	}
	return typ
}

// sniffed 保留被预读的数据，并通过 TypedStage 报告推断出的类型。
type sniffed struct {
	*bufio.Reader
	typ string
}

func (s *sniffed) OutType() string { return s.typ }

func (s *sniffed) Close() error { return nil }
