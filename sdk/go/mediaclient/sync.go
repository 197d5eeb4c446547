package mediaclient

import (
	"context"
	"time"

	"mediad/pkg/value"
	"mediad/pkg/wire"
)

// DefaultCallTimeout bounds each Sync call.
const DefaultCallTimeout = 15 * time.Second

// Sync wraps a Client with blocking calls.
type Sync struct {
	client  *Client
	timeout time.Duration
}

// NewSync returns blocking wrappers around c. A zero timeout selects
// DefaultCallTimeout.
func NewSync(c *Client, timeout time.Duration) *Sync {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Sync{client: c, timeout: timeout}
}

// Client returns the underlying asynchronous client.
func (s *Sync) Client() *Client { return s.client }

// Call sends a command and waits for its answer.
func (s *Sync) Call(ctx context.Context, object, command uint32, args ...value.Value) (value.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Call(ctx, object, command, args...).Wait(ctx)
}

func (s *Sync) none(ctx context.Context, object, command uint32, args ...value.Value) error {
	_, err := s.Call(ctx, object, command, args...)
	return err
}

// Quit asks the daemon to shut down.
func (s *Sync) Quit(ctx context.Context) error {
	return s.none(ctx, wire.ObjectMain, wire.CmdQuit)
}

// ListPlugins returns the descriptions of plugins of type t (0 for all).
func (s *Sync) ListPlugins(ctx context.Context, t uint32) ([]value.Value, error) {
	v, err := s.Call(ctx, wire.ObjectMain, wire.CmdListPlugins, value.UInt32(t))
	return v.Items(), err
}

// Stats returns the daemon statistics dictionary.
func (s *Sync) Stats(ctx context.Context) (value.Value, error) {
	return s.Call(ctx, wire.ObjectMain, wire.CmdStats)
}

// LoadJournal returns the most recent plugin load attempts.
func (s *Sync) LoadJournal(ctx context.Context, limit uint32) ([]value.Value, error) {
	v, err := s.Call(ctx, wire.ObjectMain, wire.CmdLoadJournal, value.UInt32(limit))
	return v.Items(), err
}

// Browse lists url.
func (s *Sync) Browse(ctx context.Context, url string) ([]value.Value, error) {
	v, err := s.Call(ctx, wire.ObjectXform, wire.CmdBrowse, value.String(url))
	return v.Items(), err
}

// Play starts playing url.
func (s *Sync) Play(ctx context.Context, url string) error {
	return s.none(ctx, wire.ObjectOutput, wire.CmdPlay, value.String(url))
}

// Stop stops playback.
func (s *Sync) Stop(ctx context.Context) error {
	return s.none(ctx, wire.ObjectOutput, wire.CmdStop)
}

// Pause toggles between playing and paused.
func (s *Sync) Pause(ctx context.Context) error {
	return s.none(ctx, wire.ObjectOutput, wire.CmdPause)
}

// Status returns the playback status.
func (s *Sync) Status(ctx context.Context) (uint32, error) {
	v, err := s.Call(ctx, wire.ObjectOutput, wire.CmdStatus)
	if err != nil {
		return 0, err
	}
	status, _ := v.UInt32()
	return status, nil
}

// Volume returns the volume per channel.
func (s *Sync) Volume(ctx context.Context) (map[string]int32, error) {
	v, err := s.Call(ctx, wire.ObjectOutput, wire.CmdVolumeGet)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int32)
	for k, e := range v.Entries() {
		if n, ok := e.Int32(); ok {
			out[k] = n
		}
	}
	return out, nil
}

// SetVolume sets the volume of channel.
func (s *Sync) SetVolume(ctx context.Context, channel string, volume int32) error {
	return s.none(ctx, wire.ObjectOutput, wire.CmdVolumeSet, value.String(channel), value.Int32(volume))
}

// SwitchOutput selects another output plugin.
func (s *Sync) SwitchOutput(ctx context.Context, shortname string) error {
	return s.none(ctx, wire.ObjectOutput, wire.CmdSwitch, value.String(shortname))
}
