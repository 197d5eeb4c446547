package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"mediad/internal/config"
	"mediad/pkg/chain"
	"mediad/pkg/plugin"
	"mediad/pkg/value"
	"mediad/pkg/wire"
	"mediad/sdk/go/mediaclient"
)

const usage = `mediactl [flags] <command> [args]

Commands:
  plugins [all|output|transform]   列出已加载的插件
  browse <url>                     浏览目录、播放列表或媒体库
  stats                            显示守护进程状态
  journal [limit]                  显示最近的插件加载记录
  volume [N|+N|-N]                 查看或调整音量
  play <url>                       播放
  stop                             停止
  pause                            在播放与暂停之间切换
  output <name>                    切换输出插件
  watch <property>                 持续打印属性变化
  shutdown                         关闭守护进程
`

type cli struct {
	address string
	channel string
	timeout time.Duration
	out     io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.SetFlags(0)
		log.Fatalf("mediactl: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	c := cli{out: out}
	fs := flag.NewFlagSet("mediactl", flag.ContinueOnError)
	fs.StringVarP(&c.address, "address", "a", "", "守护进程 IPC 地址，默认取配置文件")
	fs.StringVar(&c.channel, "channel", "master", "volume 命令作用的声道")
	fs.DurationVar(&c.timeout, "timeout", 15*time.Second, "单个命令的超时时间")
	// 命令之后的参数原样保留，volume -5 不会被当作参数解析。
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("缺少命令")
	}
	if c.address == "" {
		c.address = defaultAddress()
	}

	client, err := mediaclient.Dial(ctx, c.address, "mediactl")
	if err != nil {
		return err
	}
	defer client.Close()
	return c.dispatch(ctx, client, rest[0], rest[1:])
}

func defaultAddress() string {
	cfg, err := config.Load(config.ResolvePath(""))
	if err != nil {
		return config.DefaultIPCAddress()
	}
	return cfg.IPC.Address
}

func (c cli) dispatch(ctx context.Context, client *mediaclient.Client, cmd string, args []string) error {
	s := mediaclient.NewSync(client, c.timeout)
	switch cmd {
	case "plugins":
		t := plugin.TypeAll
		if len(args) > 0 {
			parsed, err := plugin.ParseType(args[0])
			if err != nil {
				return err
			}
			t = parsed
		}
		list, err := s.ListPlugins(ctx, uint32(t))
		if err != nil {
			return err
		}
		for _, p := range list {
			short, _ := p.DictString("shortname")
			version, _ := p.DictString("version")
			desc, _ := p.DictString("description")
			fmt.Fprintf(c.out, "%-12s %-8s %s\n", short, version, desc)
		}
	case "browse":
		if len(args) != 1 {
			return errors.New("用法: browse <url>")
		}
		entries, err := s.Browse(ctx, args[0])
		if err != nil {
			return err
		}
		for _, e := range entries {
			path, _ := e.DictString("path")
			if dir, _ := e.DictUInt32("isdir"); dir != 0 {
				path += "/"
			}
			fmt.Fprintln(c.out, path)
		}
	case "stats":
		stats, err := s.Stats(ctx)
		if err != nil {
			return err
		}
		printDict(c.out, stats)
	case "journal":
		limit := uint64(0)
		if len(args) > 0 {
			n, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("无效的条数: %w", err)
			}
			limit = n
		}
		records, err := s.LoadJournal(ctx, uint32(limit))
		if err != nil {
			return err
		}
		for _, rec := range records {
			fmt.Fprintln(c.out, rec)
		}
	case "volume":
		if len(args) == 0 {
			vols, err := s.Volume(ctx)
			if err != nil {
				return err
			}
			channels := make([]string, 0, len(vols))
			for ch := range vols {
				channels = append(channels, ch)
			}
			sort.Strings(channels)
			for _, ch := range channels {
				fmt.Fprintf(c.out, "%s = %d\n", ch, vols[ch])
			}
			return nil
		}
		return c.volume(ctx, client, args[0])
	case "play":
		if len(args) != 1 {
			return errors.New("用法: play <url>")
		}
		return s.Play(ctx, args[0])
	case "stop":
		return s.Stop(ctx)
	case "pause":
		return s.Pause(ctx)
	case "output":
		if len(args) != 1 {
			return errors.New("用法: output <name>")
		}
		return s.SwitchOutput(ctx, args[0])
	case "watch":
		if len(args) != 1 {
			return errors.New("用法: watch <property>")
		}
		return c.watch(ctx, client, args[0])
	case "shutdown":
		return s.Quit(ctx)
	default:
		return fmt.Errorf("未知命令: %s", cmd)
	}
	return nil
}

// volume 设置绝对音量；带符号的参数先读取当前音量再调整，两次调用组成一条调用链。
func (c cli) volume(ctx context.Context, client *mediaclient.Client, arg string) error {
	n, err := strconv.ParseInt(arg, 10, 32)
	if err != nil {
		return fmt.Errorf("无效的音量: %s", arg)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	set := client.Command(wire.ObjectOutput, wire.CmdVolumeSet)
	channel := value.String(c.channel)
	if !strings.HasPrefix(arg, "+") && !strings.HasPrefix(arg, "-") {
		_, err := chain.New(set(channel, value.Int32(int32(n)))).Wait(ctx)
		return err
	}

	delta := int32(n)
	_, err = chain.New(client.Op(wire.ObjectOutput, wire.CmdVolumeGet)).
		ThenFunc(func(_ context.Context, prev value.Value) (value.Value, error) {
			cur, ok := prev.DictInt32(c.channel)
			if !ok {
				return value.None(), fmt.Errorf("没有声道 %s", c.channel)
			}
			return value.Int32(clamp(cur + delta)), nil
		}).
		Then(chain.Bind(set, chain.Lit(channel), chain.Prev)).
		Wait(ctx)
	return err
}

func clamp(v int32) int32 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func (c cli) watch(ctx context.Context, client *mediaclient.Client, property string) error {
	object := wire.ObjectOutput
	_, err := client.Subscribe(ctx, object, property, func(p string, v value.Value) {
		fmt.Fprintf(c.out, "%s = %s\n", p, v)
	})
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-client.Done():
		return client.Err()
	}
}

func printDict(w io.Writer, v value.Value) {
	for _, key := range v.Keys() {
		e, _ := v.Get(key)
		fmt.Fprintf(w, "%s = %s\n", key, e)
	}
}
