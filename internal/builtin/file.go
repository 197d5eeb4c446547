package builtin

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"mediad/pkg/plugin"
	"mediad/pkg/value"
	"mediad/pkg/xform"
)

func fileDescriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Type:        plugin.TypeTransform,
		ShortName:   "file",
		Name:        "File transport",
		Version:     Version,
		Description: "Reads local files and lists local directories",
		APIVersion:  plugin.TransformAPIVersion,
		Setup: func(p *plugin.Plugin) error {
			if err := p.SetTransform(fileTransform{showHidden: settingBool(p, "show_hidden")}); err != nil {
				return err
			}
			if err := p.AddInputType(xform.URLType); err != nil {
				return err
			}
			return p.SetOutputType(OctetStreamType)
		},
	}
}

type fileTransform struct {
	showHidden bool
}

func (fileTransform) Accepts(in plugin.Input) bool {
	_, ok := localPath(in.URL)
	return ok
}

func (fileTransform) Open(_ context.Context, in plugin.Input) (io.ReadCloser, error) {
	p, ok := localPath(in.URL)
	if !ok {
		return nil, fmt.Errorf("不是本地路径: %s", in.URL)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s 是目录", p)
	}
	return f, nil
}

// Browse 列出目录内容；普通文件返回 ErrNotBrowsable，让管道继续协商。
func (t fileTransform) Browse(ctx context.Context, in plugin.Input) ([]value.Value, error) {
	p, ok := localPath(in.URL)
	if !ok {
		return nil, plugin.ErrNotBrowsable
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, plugin.ErrNotBrowsable
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]value.Value, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if !t.showHidden && name[0] == '.' {
			continue
		}
		full := filepath.Join(p, name)
		isDir := entry.IsDir()
		if entry.Type()&os.ModeSymlink != 0 {
			if target, err := os.Stat(full); err == nil {
				isDir = target.IsDir()
			}
		}
		u := url.URL{Scheme: "file", Path: full}
		out = append(out, Entry(u.String(), name, isDir))
	}
	return out, nil
}

func settingBool(p *plugin.Plugin, key string) bool {
	v, ok := p.Setting(key)
	if !ok {
		return false
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
