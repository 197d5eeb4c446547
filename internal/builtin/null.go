package builtin

import (
	"context"
	"fmt"
	"sync"

	"mediad/pkg/plugin"
)

func nullDescriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Type:        plugin.TypeOutput,
		ShortName:   "null",
		Name:        "Null output",
		Version:     Version,
		Description: "Discards all samples",
		APIVersion:  plugin.OutputAPIVersion,
		Setup: func(p *plugin.Plugin) error {
			p.AddInfo("author", "mediad")
			return p.SetOutput(NewNullOutput())
		},
	}
}

// NullOutput 丢弃全部样本，只统计写入量；带有一个软件混音器。
type NullOutput struct {
	mu      sync.Mutex
	format  plugin.Format
	written int64
	volume  map[string]int32
}

// NewNullOutput 创建 null 输出。
func NewNullOutput() *NullOutput {
	return &NullOutput{volume: map[string]int32{"master": 100}}
}

func (o *NullOutput) Open(_ context.Context, format plugin.Format) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.format = format
	return nil
}

func (o *NullOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	o.written += int64(len(p))
	o.mu.Unlock()
	return len(p), nil
}

func (o *NullOutput) Flush() error { return nil }

func (o *NullOutput) Close() error { return nil }

// Written 返回累计写入的字节数。
func (o *NullOutput) Written() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written
}

// Volume 实现 plugin.VolumeController。
func (o *NullOutput) Volume() (map[string]int32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int32, len(o.volume))
	for k, v := range o.volume {
		out[k] = v
	}
	return out, nil
}

// SetVolume 实现 plugin.VolumeController。
func (o *NullOutput) SetVolume(channel string, volume int32) error {
	if volume < 0 || volume > 100 {
		return fmt.Errorf("音量超出范围 0..100: %d", volume)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.volume[channel]; !ok {
		return fmt.Errorf("未知的声道: %s", channel)
	}
	o.volume[channel] = volume
	return nil
}
