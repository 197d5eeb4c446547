package builtin

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"mediad/pkg/plugin"
	"mediad/pkg/xform"
)

func wavDescriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Type:        plugin.TypeTransform,
		ShortName:   "wav",
		Name:        "WAV decoder",
		Version:     Version,
		Description: "Decodes uncompressed RIFF/WAVE streams to PCM",
		APIVersion:  plugin.TransformAPIVersion,
		Setup: func(p *plugin.Plugin) error {
			if err := p.SetTransform(wavTransform{}); err != nil {
				return err
			}
			if err := p.AddInputType(WAVType); err != nil {
				return err
			}
			p.AddInfo("format", "PCM 8/16/24/32 bit")
			return p.SetOutputType(xform.PCMType)
		},
	}
}

type wavTransform struct{}

// ErrUnsupportedWAV 表示 WAVE 文件不是未压缩 PCM。
var ErrUnsupportedWAV = errors.New("unsupported wav encoding")

func (wavTransform) Open(_ context.Context, in plugin.Input) (io.ReadCloser, error) {
	format, data, err := ParseWAV(in.Reader)
	if err != nil {
		return nil, err
	}
	return &pcmStage{Reader: data, format: format}, nil
}

// ParseWAV 解析 RIFF 头部，返回 PCM 格式与指向样本数据的 reader。
func ParseWAV(r io.Reader) (plugin.Format, io.Reader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return plugin.Format{}, nil, fmt.Errorf("读取 RIFF 头失败: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return plugin.Format{}, nil, errors.New("不是 RIFF/WAVE 数据")
	}

	var (
		format    plugin.Format
		haveFmt   bool
		chunkHead [8]byte
	)
	for {
		if _, err := io.ReadFull(r, chunkHead[:]); err != nil {
			return plugin.Format{}, nil, fmt.Errorf("读取 chunk 头失败: %w", err)
		}
		id := string(chunkHead[0:4])
		size := int64(binary.LittleEndian.Uint32(chunkHead[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return plugin.Format{}, nil, fmt.Errorf("fmt chunk 过短: %d", size)
			}
			var body [16]byte
			if _, err := io.ReadFull(r, body[:]); err != nil {
				return plugin.Format{}, nil, err
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return plugin.Format{}, nil, fmt.Errorf("%w: format tag %d", ErrUnsupportedWAV, tag)
			}
			format = plugin.Format{
				Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}
			haveFmt = true
			if err := skip(r, size-16+size%2); err != nil {
				return plugin.Format{}, nil, err
			}
		case "data":
			if !haveFmt {
				return plugin.Format{}, nil, errors.New("data chunk 出现在 fmt chunk 之前")
			}
			return format, io.LimitReader(r, size), nil
		default:
			if err := skip(r, size+size%2); err != nil {
				return plugin.Format{}, nil, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

type pcmStage struct {
	io.Reader
	format plugin.Format
}

func (s *pcmStage) Format() plugin.Format { return s.format }

func (s *pcmStage) Close() error { return nil }
