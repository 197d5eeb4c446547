package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/fhs/gompd/v2/mpd"

	"mediad/pkg/plugin"
	"mediad/pkg/value"
	"mediad/pkg/xform"
)

const (
	defaultMPDAddress = "localhost:6600"
	defaultMPDTimeout = 5 * time.Second
)

var _ mpdLibrary = &mpd.Client{}

// mpdLibrary 是浏览 MPD 数据库所需的最小接口，由 *mpd.Client 实现。
type mpdLibrary interface {
	ListInfo(uri string) ([]mpd.Attrs, error)
	Close() error
}

type mpdDialer func(addr, password string) (mpdLibrary, error)

func dialMPD(addr, password string) (mpdLibrary, error) {
	if password == "" {
		return mpd.Dial("tcp", addr)
	}
	client, err := mpd.DialAuthenticated("tcp", addr, password)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, err
	}
	return client, nil
}

func mpdDescriptor() plugin.Descriptor {
	return newMPDDescriptor(dialMPD)
}

func newMPDDescriptor(dial mpdDialer) plugin.Descriptor {
	return plugin.Descriptor{
		Type:        plugin.TypeTransform,
		ShortName:   "mpd",
		Name:        "MPD library",
		Version:     Version,
		Description: "Browses the database of a Music Player Daemon (mpd://host:port/path)",
		APIVersion:  plugin.TransformAPIVersion,
		Setup: func(p *plugin.Plugin) error {
			t := &mpdTransform{dial: dial, address: defaultMPDAddress, timeout: defaultMPDTimeout}
			if v, ok := p.Setting("address"); ok && v != "" {
				t.address = v
			}
			if v, ok := p.Setting("timeout"); ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil || d <= 0 {
					return fmt.Errorf("mpd timeout %q 无效", v)
				}
				t.timeout = d
			}
			t.password, _ = p.Setting("password")
			if err := p.SetTransform(t); err != nil {
				return err
			}
			if err := p.AddInputType(xform.URLType); err != nil {
				return err
			}
			return p.SetOutputType(MPDEntriesType)
		},
	}
}

type mpdTransform struct {
	dial     mpdDialer
	address  string
	password string
	timeout  time.Duration
}

func (t *mpdTransform) Accepts(in plugin.Input) bool {
	return scheme(in.URL) == "mpd"
}

// Open 不支持读取音频数据，MPD 只提供浏览。
func (t *mpdTransform) Open(context.Context, plugin.Input) (io.ReadCloser, error) {
	return nil, errors.New("mpd 源只支持浏览")
}

// Browse 列出 MPD 数据库中的目录、文件与播放列表。
func (t *mpdTransform) Browse(ctx context.Context, in plugin.Input) ([]value.Value, error) {
	addr, dir, err := t.target(in.URL)
	if err != nil {
		return nil, err
	}
	attrs, err := t.list(ctx, addr, dir)
	if err != nil {
		return nil, err
	}

	base := "mpd://" + addr + "/"
	entries := make([]value.Value, 0, len(attrs))
	for _, a := range attrs {
		var (
			p     string
			isDir bool
		)
		switch {
		case a["directory"] != "":
			p, isDir = a["directory"], true
		case a["file"] != "":
			p = a["file"]
		case a["playlist"] != "":
			p = a["playlist"]
		default:
			continue
		}
		entry := Entry(base+p, a["title"], isDir)
		for _, key := range []string{"artist", "album", "time"} {
			if v := a[key]; v != "" {
				entry = entry.With(key, value.String(v))
			}
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, _ := entries[i].DictString("path")
		b, _ := entries[j].DictString("path")
		return a < b
	})
	return entries, nil
}

// list 在独立 goroutine 上连接 MPD 并执行 lsinfo。ctx 结束或超时后立即返回，
// 客户端始终由该 goroutine 关闭。
func (t *mpdTransform) list(ctx context.Context, addr, dir string) ([]mpd.Attrs, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		attrs []mpd.Attrs
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := t.dial(addr, t.password)
		if err != nil {
			ch <- result{err: fmt.Errorf("连接 MPD %s 失败: %w", addr, err)}
			return
		}
		attrs, err := client.ListInfo(dir)
		_ = client.Close()
		if err != nil {
			err = fmt.Errorf("MPD lsinfo %q 失败: %w", dir, err)
		}
		ch <- result{attrs: attrs, err: err}
	}()

	select {
	case r := <-ch:
		return r.attrs, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("MPD %s 无响应: %w", addr, ctx.Err())
	}
}

// target 拆出 MPD 地址与库内路径，没有主机时使用插件配置的地址。
func (t *mpdTransform) target(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("解析 MPD URL 失败: %w", err)
	}
	addr := u.Host
	if addr == "" {
		addr = t.address
	} else if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "6600")
	}
	return addr, strings.Trim(u.Path, "/"), nil
}
