package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"mediad/internal/builtin"
	xerrors "mediad/internal/errors"
	"mediad/internal/ipc"
	"mediad/pkg/chain"
	"mediad/pkg/object"
	"mediad/pkg/plugin"
	"mediad/pkg/value"
	"mediad/pkg/wire"
	"mediad/pkg/xform"
)

const defaultJournalLimit = 50

func (d *Daemon) newMainObject() *object.Object {
	obj := object.New("main", nil)
	obj.Register(object.CommandID(wire.CmdHello), "hello", []value.Type{value.TypeUInt32, value.TypeString}, value.TypeUInt32, d.cmdHello)
	obj.Register(object.CommandID(wire.CmdQuit), "quit", nil, value.TypeNone, d.cmdQuit)
	obj.Register(object.CommandID(wire.CmdListPlugins), "list_plugins", []value.Type{value.TypeUInt32}, value.TypeList, d.cmdListPlugins)
	obj.Register(object.CommandID(wire.CmdStats), "stats", nil, value.TypeDict, d.cmdStats)
	obj.RegisterAsync(object.CommandID(wire.CmdLoadJournal), "load_journal", []value.Type{value.TypeUInt32}, value.TypeList, d.cmdLoadJournal)
	return obj
}

func (d *Daemon) cmdHello(ctx context.Context, _ *object.Object, args []value.Value) (value.Value, error) {
	protocol, _ := args[0].UInt32()
	client, _ := args[1].Str()
	if protocol != wire.ProtocolVersion {
		return value.None(), xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("协议版本不匹配: 客户端 %d, 服务端 %d", protocol, wire.ProtocolVersion))
	}
	if session, ok := ipc.SessionFrom(ctx); ok {
		session.SetClient(client)
		d.log.Info("客户端已连接", slog.String("session", session.ID), slog.String("client", client))
	}
	return value.UInt32(1), nil
}

// cmdQuit 延迟取消运行上下文，使回复先于连接关闭写出。
func (d *Daemon) cmdQuit(ctx context.Context, _ *object.Object, _ []value.Value) (value.Value, error) {
	client := ""
	if session, ok := ipc.SessionFrom(ctx); ok {
		client = session.Client()
	}
	d.log.Info("收到退出请求", slog.String("client", client))
	if d.quit != nil {
		time.AfterFunc(quitDelay, d.quit)
	}
	return value.None(), nil
}

func (d *Daemon) cmdListPlugins(_ context.Context, _ *object.Object, args []value.Value) (value.Value, error) {
	raw, _ := args[0].UInt32()
	t := plugin.Type(raw)
	if t > plugin.TypeTransform {
		return value.None(), xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的插件类型: %d", raw))
	}
	plugins := d.registry.List(t)
	defer plugin.ReleaseAll(plugins)

	out := make([]value.Value, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, p.Describe())
	}
	return value.List(out...), nil
}

func (d *Daemon) cmdStats(context.Context, *object.Object, []value.Value) (value.Value, error) {
	return value.Dict(map[string]value.Value{
		"version": value.String(builtin.Version),
		"uptime":  value.UInt32(uint32(time.Since(d.started).Seconds())),
		"plugins": value.UInt32(uint32(d.registry.Len())),
		"output":  value.String(d.player.out.ShortName()),
	}), nil
}

// cmdLoadJournal 在工作协程上查询加载日志，链结束时回复客户端。
func (d *Daemon) cmdLoadJournal(_ context.Context, _ *object.Object, args []value.Value) (*chain.Chain, error) {
	limit, _ := args[0].UInt32()
	if limit == 0 {
		limit = defaultJournalLimit
	}
	query := chain.New(d.pool.Op(func(ctx context.Context) (value.Value, error) {
		records, err := d.journal.Recent(ctx, int(limit))
		if err != nil {
			return value.None(), err
		}
		out := make([]value.Value, 0, len(records))
		for _, rec := range records {
			out = append(out, rec.Value())
		}
		return value.List(out...), nil
	}), chain.WithLogger(d.log))
	return query, nil
}

func (d *Daemon) newXformObject() *object.Object {
	obj := object.New("xform", nil)
	obj.RegisterAsync(object.CommandID(wire.CmdBrowse), "browse", []value.Type{value.TypeString}, value.TypeList, d.cmdBrowse)
	return obj
}

// cmdBrowse 由两步组成：工作协程上的 xform.Browse，然后在事件循环上整理条目并按路径排序。
func (d *Daemon) cmdBrowse(_ context.Context, _ *object.Object, args []value.Value) (*chain.Chain, error) {
	url, _ := args[0].Str()
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "浏览地址为空")
	}
	browse := chain.New(d.pool.Op(func(ctx context.Context) (value.Value, error) {
		entries, err := xform.Browse(ctx, d.registry, url)
		if err != nil {
			return value.None(), err
		}
		return value.List(entries...), nil
	}), chain.WithLogger(d.log)).ThenFunc(func(_ context.Context, prev value.Value) (value.Value, error) {
		return normalizeEntries(prev), nil
	})
	return browse, nil
}

// normalizeEntries 丢弃缺少 path 的条目，补齐 name 与 isdir，并按路径排序。
func normalizeEntries(list value.Value) value.Value {
	items := list.Items()
	out := make([]value.Value, 0, len(items))
	for _, item := range items {
		path, ok := item.DictString("path")
		if !ok || path == "" {
			continue
		}
		name, _ := item.DictString("name")
		isDir, _ := item.DictUInt32("isdir")
		entry := builtin.Entry(path, name, isDir != 0)
		for key, v := range item.Entries() {
			if _, taken := entry.Get(key); !taken {
				entry = entry.With(key, v)
			}
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := out[i].DictString("path")
		b, _ := out[j].DictString("path")
		return a < b
	})
	return value.List(out...)
}
