// Package builtin 提供编译进守护进程的插件：file、magic、wav、rss、mpd
// 四类变换与 null 输出。它们与动态加载的插件走同一条注册路径。
package builtin

import (
	"log/slog"
	"net/url"
	"path"
	"strings"

	"mediad/pkg/logger"
	"mediad/pkg/plugin"
	"mediad/pkg/value"
)

// 内置插件之间约定的内容类型。
const (
	OctetStreamType     = "application/octet-stream"
	WAVType             = "audio/x-wav"
	RSSType             = "application/x-mediad-xml+rss"
	PlaylistEntriesType = "application/x-mediad-playlist-entries"
	MPDEntriesType      = "application/x-mediad-mpd-entries"
)

// Version 是内置插件的版本号。
const Version = "0.3.0"

// Descriptors 返回全部内置插件描述，按注册顺序排列。
func Descriptors() []plugin.Descriptor {
	return []plugin.Descriptor{
		nullDescriptor(),
		fileDescriptor(),
		magicDescriptor(),
		wavDescriptor(),
		rssDescriptor(),
		mpdDescriptor(),
	}
}

// Load 把内置插件注册到 reg。单个插件失败只记录日志，返回成功注册的数量。
func Load(reg *plugin.Registry) int {
	log := logger.Named("builtin")
	loaded := 0
	for _, desc := range Descriptors() {
		if err := reg.LoadBuiltin(desc); err != nil {
			log.Warn("内置插件注册失败", slog.String("plugin", desc.ShortName), slog.Any("error", err))
			continue
		}
		loaded++
	}
	return loaded
}

// Entry 构造浏览结果中的一项。
func Entry(p, name string, isDir bool) value.Value {
	dir := uint32(0)
	if isDir {
		dir = 1
	}
	if name == "" {
		name = path.Base(strings.TrimSuffix(p, "/"))
	}
	return value.Dict(map[string]value.Value{
		"path":  value.String(p),
		"name":  value.String(name),
		"isdir": value.UInt32(dir),
	})
}

// scheme 返回 URL 的协议部分，没有协议时返回空串。
func scheme(raw string) string {
	if idx := strings.Index(raw, "://"); idx > 0 {
		return strings.ToLower(raw[:idx])
	}
	return ""
}

// localPath 把 file:// URL 或裸路径转换为本地路径。
func localPath(raw string) (string, bool) {
	switch scheme(raw) {
	case "":
		return raw, raw != ""
	case "file":
		u, err := url.Parse(raw)
		if err != nil || u.Path == "" {
			return "", false
		}
		return u.Path, true
	default:
		return "", false
	}
}
