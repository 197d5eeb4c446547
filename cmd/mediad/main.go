package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"mediad/internal/builtin"
	"mediad/internal/config"
	"mediad/internal/daemon"
	"mediad/pkg/logger"
)

type options struct {
	verbose   int
	version   bool
	noLog     bool
	output    string
	pluginDir string
	config    string
	help      bool
}

// main 是 mediad 守护进程的入口。
func main() {
	opts, fs := parseFlags(os.Args[1:])
	if opts.help {
		fmt.Fprintln(os.Stderr, "mediad 媒体守护进程")
		fs.PrintDefaults()
		return
	}
	if opts.version {
		fmt.Printf("mediad version %s\n", builtin.Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("mediad 运行失败: %v", err)
	}
}

func parseFlags(args []string) (options, *flag.FlagSet) {
	var opts options
	fs := flag.NewFlagSet("mediad", flag.ExitOnError)
	fs.CountVarP(&opts.verbose, "verbose", "v", "提高日志详细程度，可重复")
	fs.BoolVarP(&opts.version, "version", "V", false, "打印版本后退出")
	fs.BoolVarP(&opts.noLog, "no-log", "n", false, "关闭日志")
	fs.StringVarP(&opts.output, "output", "o", "", "使用指定的输出插件")
	fs.StringVarP(&opts.pluginDir, "plugin-dir", "p", "", "在指定目录中搜索插件")
	fs.StringVarP(&opts.config, "config", "c", "", "配置文件路径")
	fs.BoolVarP(&opts.help, "help", "h", false, "打印帮助")
	_ = fs.Parse(args)
	return opts, fs
}

// apply 让命令行参数覆盖配置文件。
func (o options) apply(cfg *config.Config) {
	if o.output != "" {
		cfg.Output.Plugin = o.output
	}
	if o.pluginDir != "" {
		cfg.Plugins.Path = o.pluginDir
	}
	cfg.Log.Level = logger.LevelForVerbosity(cfg.Log.Level, o.verbose)
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(config.ResolvePath(opts.config))
	if err != nil {
		return err
	}
	opts.apply(cfg)

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Disabled:    opts.noLog,
		File: logger.FileConfig{
			Path:       cfg.Log.File.Path,
			MaxSizeMB:  cfg.Log.File.MaxSizeMB,
			MaxBackups: cfg.Log.File.MaxBackups,
			MaxAgeDays: cfg.Log.File.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return daemon.New(cfg).Run(ctx)
}
