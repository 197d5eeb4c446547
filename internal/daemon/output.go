package daemon

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	xerrors "mediad/internal/errors"
	"mediad/internal/loop"
	"mediad/internal/worker"
	"mediad/pkg/chain"
	"mediad/pkg/logger"
	"mediad/pkg/object"
	"mediad/pkg/plugin"
	"mediad/pkg/value"
	"mediad/pkg/wire"
	"mediad/pkg/xform"
)

// 缺少格式信息时假定的 PCM 格式。
var defaultFormat = plugin.Format{SampleRate: 44100, Channels: 2, BitsPerSample: 16}

const masterChannel = "master"

// Player 是 output 对象的实现。状态字段只在事件循环上读写；
// 音频数据在每次播放独占的 goroutine 上流动，结束时把结果交回循环。
type Player struct {
	obj  *object.Object
	loop *loop.Loop
	reg  *plugin.Registry
	pool *worker.Pool
	log  *slog.Logger

	out     *plugin.Plugin
	status  uint32
	current string
	session *playback
	volume  map[string]int32

	// gain 供音频 goroutine 读取的软件音量 0..100，输出插件自带混音器时为 100。
	gain atomic.Int32
	wg   sync.WaitGroup
}

// playback 是一次播放。
type playback struct {
	url    string
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
	wake   chan struct{}
}

func (s *playback) setPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused && !paused {
		close(s.wake)
		s.wake = make(chan struct{})
	}
	s.paused = paused
}

func (s *playback) waitResume(ctx context.Context) error {
	s.mu.Lock()
	for s.paused {
		wake := s.wake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	s.mu.Unlock()
	return nil
}

// NewPlayer 创建 output 对象并选择初始输出插件。
func NewPlayer(lp *loop.Loop, reg *plugin.Registry, pool *worker.Pool, output string, volume int32) (*Player, error) {
	p := &Player{
		loop:   lp,
		reg:    reg,
		pool:   pool,
		log:    logger.Named("output"),
		status: wire.StatusStopped,
		volume: map[string]int32{masterChannel: volume},
	}

	out := reg.Find(plugin.TypeOutput, output)
	if out == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("没有名为 %s 的输出插件", output))
	}
	p.out = out
	p.applyVolume()

	p.obj = object.New("output", p.destroy)
	p.obj.RegisterAsync(object.CommandID(wire.CmdPlay), "play", []value.Type{value.TypeString}, value.TypeNone, p.cmdPlay)
	p.obj.Register(object.CommandID(wire.CmdStop), "stop", nil, value.TypeNone, p.cmdStop)
	p.obj.Register(object.CommandID(wire.CmdPause), "pause", nil, value.TypeNone, p.cmdPause)
	p.obj.Register(object.CommandID(wire.CmdStatus), "status", nil, value.TypeUInt32, p.cmdStatus)
	p.obj.Register(object.CommandID(wire.CmdVolumeGet), "volume_get", nil, value.TypeDict, p.cmdVolumeGet)
	p.obj.Register(object.CommandID(wire.CmdVolumeSet), "volume_set", []value.Type{value.TypeString, value.TypeInt32}, value.TypeNone, p.cmdVolumeSet)
	p.obj.Register(object.CommandID(wire.CmdSwitch), "switch", []value.Type{value.TypeString}, value.TypeNone, p.cmdSwitch)
	return p, nil
}

// Object 返回 output 对象。
func (p *Player) Object() *object.Object { return p.obj }

func (p *Player) destroy(*object.Object) {
	if p.out != nil {
		p.out.Unref()
		p.out = nil
	}
}

// Wait 等待音频 goroutine 全部退出，必须在事件循环之外调用。
func (p *Player) Wait() { p.wg.Wait() }

// cmdPlay 返回两步调用链：先在工作协程上构建到 PCM 的管线，再回到事件循环
// 切换播放。管线交给音频 goroutine 之前链若失败，错误处理负责关闭它。
func (p *Player) cmdPlay(_ context.Context, _ *object.Object, args []value.Value) (*chain.Chain, error) {
	url, _ := args[0].Str()
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "播放地址为空")
	}

	var opened *xform.Pipeline
	onError := func(id string, err error) {
		if opened != nil {
			_ = opened.Close()
			opened = nil
		}
		p.log.Warn("播放失败", slog.String("url", url), slog.String("chain", id), slog.Any("error", err))
	}
	play := chain.New(p.pool.Op(func(ctx context.Context) (value.Value, error) {
		pl, err := xform.Open(ctx, p.reg, url, xform.PCMType)
		if err != nil {
			return value.None(), err
		}
		opened = pl
		return value.StringList(pl.Chain()...), nil
	}), chain.WithErrorHandler(onError)).ThenFunc(func(_ context.Context, stages value.Value) (value.Value, error) {
		pl := opened
		opened = nil
		p.stopSession()
		p.start(url, pl)
		p.log.Info("开始播放", slog.String("url", url), slog.String("chain", stages.String()))
		return value.None(), nil
	})
	return play, nil
}

func (p *Player) start(url string, pl *xform.Pipeline) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &playback{url: url, cancel: cancel, wake: make(chan struct{})}
	p.session = s
	out := p.out.Ref()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer out.Unref()
		err := p.stream(ctx, s, pl, out.Output())
		p.loop.Post(func() { p.finished(s, err) })
	}()

	p.current = url
	p.obj.Emit(wire.PropCurrent, value.String(url))
	p.setStatus(wire.StatusPlaying)
}

// stream 在音频 goroutine 上运行。
func (p *Player) stream(ctx context.Context, s *playback, pl *xform.Pipeline, out plugin.Output) error {
	defer pl.Close()

	format, ok := pl.Format()
	if !ok {
		format = defaultFormat
	}
	if err := out.Open(ctx, format); err != nil {
		return xerrors.Wrap(xerrors.CodeIOFailure, err, "打开输出设备失败")
	}
	defer out.Close()

	buf := make([]byte, 4096)
	for {
		if err := s.waitResume(ctx); err != nil {
			return err
		}
		n, err := pl.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if format.BitsPerSample == 16 {
				applyGain(chunk, p.gain.Load())
			}
			if _, werr := out.Write(chunk); werr != nil {
				return xerrors.Wrap(xerrors.CodeIOFailure, werr, "写入输出设备失败")
			}
		}
		if errors.Is(err, io.EOF) {
			return out.Flush()
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeIOFailure, err, "读取解码数据失败")
		}
	}
}

// applyGain 按 0..100 的音量缩放 16 位小端样本。
func applyGain(samples []byte, volume int32) {
	if volume >= 100 {
		return
	}
	if volume < 0 {
		volume = 0
	}
	for i := 0; i+1 < len(samples); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(samples[i:])))
		binary.LittleEndian.PutUint16(samples[i:], uint16(int16(s*volume/100)))
	}
}

// finished 在事件循环上处理播放结束。
func (p *Player) finished(s *playback, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("播放失败", slog.String("url", s.url), slog.Any("error", err))
	}
	if p.session != s {
		return
	}
	p.session = nil
	p.setStatus(wire.StatusStopped)
}

func (p *Player) stopSession() {
	if p.session == nil {
		return
	}
	p.session.setPaused(false)
	p.session.cancel()
	p.session = nil
}

func (p *Player) setStatus(status uint32) {
	if p.status == status {
		return
	}
	p.status = status
	p.obj.Emit(wire.PropStatus, value.UInt32(status))
}

func (p *Player) cmdStop(context.Context, *object.Object, []value.Value) (value.Value, error) {
	p.stopSession()
	p.setStatus(wire.StatusStopped)
	return value.None(), nil
}

// cmdPause 在播放与暂停之间切换。
func (p *Player) cmdPause(context.Context, *object.Object, []value.Value) (value.Value, error) {
	if p.session == nil {
		return value.None(), xerrors.New(xerrors.CodeInvalidArgument, "当前没有播放")
	}
	if p.status == wire.StatusPaused {
		p.session.setPaused(false)
		p.setStatus(wire.StatusPlaying)
	} else {
		p.session.setPaused(true)
		p.setStatus(wire.StatusPaused)
	}
	return value.None(), nil
}

func (p *Player) cmdStatus(context.Context, *object.Object, []value.Value) (value.Value, error) {
	return value.UInt32(p.status), nil
}

// applyVolume 把 master 音量交给带混音器的输出插件，否则由软件缩放。
func (p *Player) applyVolume() {
	master := p.volume[masterChannel]
	ctl, ok := p.out.Output().(plugin.VolumeController)
	if !ok {
		p.gain.Store(master)
		return
	}
	p.gain.Store(100)
	if err := ctl.SetVolume(masterChannel, master); err != nil {
		p.log.Debug("输出插件不接受 master 音量", slog.String("plugin", p.out.ShortName()), slog.Any("error", err))
	}
}

func (p *Player) volumes() (map[string]int32, error) {
	if ctl, ok := p.out.Output().(plugin.VolumeController); ok {
		return ctl.Volume()
	}
	out := make(map[string]int32, len(p.volume))
	for k, v := range p.volume {
		out[k] = v
	}
	return out, nil
}

func volumeValue(vols map[string]int32) value.Value {
	entries := make(map[string]value.Value, len(vols))
	for k, v := range vols {
		entries[k] = value.Int32(v)
	}
	return value.Dict(entries)
}

func (p *Player) cmdVolumeGet(context.Context, *object.Object, []value.Value) (value.Value, error) {
	vols, err := p.volumes()
	if err != nil {
		return value.None(), xerrors.Wrap(xerrors.CodeIOFailure, err, "读取音量失败")
	}
	return volumeValue(vols), nil
}

func (p *Player) cmdVolumeSet(_ context.Context, _ *object.Object, args []value.Value) (value.Value, error) {
	channel, _ := args[0].Str()
	vol, _ := args[1].Int32()
	if vol < 0 || vol > 100 {
		return value.None(), xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("音量超出范围 0..100: %d", vol))
	}

	if ctl, ok := p.out.Output().(plugin.VolumeController); ok {
		if err := ctl.SetVolume(channel, vol); err != nil {
			return value.None(), xerrors.Wrap(xerrors.CodeInvalidArgument, err, "设置音量失败")
		}
		if channel == masterChannel {
			p.volume[masterChannel] = vol
		}
	} else {
		if _, known := p.volume[channel]; !known {
			return value.None(), xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的声道: %s", channel))
		}
		p.volume[channel] = vol
		p.gain.Store(vol)
	}

	vols, err := p.volumes()
	if err == nil {
		p.obj.Emit(wire.PropVolume, volumeValue(vols))
	}
	return value.None(), nil
}

// cmdSwitch 更换输出插件，正在进行的播放会被停止。
func (p *Player) cmdSwitch(_ context.Context, _ *object.Object, args []value.Value) (value.Value, error) {
	name, _ := args[0].Str()
	next := p.reg.Find(plugin.TypeOutput, name)
	if next == nil {
		return value.None(), xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("没有名为 %s 的输出插件", name))
	}
	p.stopSession()
	p.setStatus(wire.StatusStopped)

	old := p.out
	p.out = next
	old.Unref()

	p.applyVolume()
	p.log.Info("切换输出插件", slog.String("from", old.ShortName()), slog.String("to", next.ShortName()))
	p.obj.Emit(wire.PropOutput, value.String(next.ShortName()))
	return value.None(), nil
}

// Plugins 返回 switch 可选的输出插件名，按名称排序。
func (p *Player) Plugins() []string {
	var names []string
	p.reg.Foreach(plugin.TypeOutput, func(pl *plugin.Plugin) bool {
		names = append(names, pl.ShortName())
		return true
	})
	sort.Strings(names)
	return names
}

// Halt 停止当前播放，在事件循环上调用。
func (p *Player) Halt() {
	p.stopSession()
	p.setStatus(wire.StatusStopped)
}
