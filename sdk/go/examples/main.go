package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"mediad/internal/config"
	"mediad/internal/daemon"
	"mediad/pkg/chain"
	"mediad/pkg/value"
	"mediad/pkg/wire"
	"mediad/sdk/go/mediaclient"
)

// An in-process daemon is browsed and the first track found is played by a
// two-step chain: browse, then play the first file entry.
func main() {
	dir, err := os.MkdirTemp("", "mediad-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)
	if err := writeSilence(filepath.Join(dir, "silence.wav")); err != nil {
		log.Fatal(err)
	}

	cfg, err := config.Load(filepath.Join(dir, "mediad.yaml"))
	if err != nil {
		log.Fatal(err)
	}
	cfg.IPC.Address = "tcp://127.0.0.1:0"
	cfg.Plugins.Path = ""

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := daemon.New(cfg)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case <-d.Ready():
	case err := <-done:
		log.Fatal(err)
	}

	client, err := mediaclient.Dial(ctx, d.Addr(), "sdk-example")
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	statuses := make(chan uint32, 4)
	if _, err := client.Subscribe(ctx, wire.ObjectOutput, wire.PropStatus, func(_ string, v value.Value) {
		s, _ := v.UInt32()
		statuses <- s
	}); err != nil {
		log.Fatal(err)
	}

	firstFile := func(_ context.Context, entries value.Value) (value.Value, error) {
		for _, e := range entries.Items() {
			if dir, _ := e.DictUInt32("isdir"); dir == 0 {
				p, _ := e.Get("path")
				return p, nil
			}
		}
		return value.None(), errors.New("no playable file")
	}
	played, err := chain.New(client.Op(wire.ObjectXform, wire.CmdBrowse, value.String(dir))).
		ThenFunc(firstFile).
		Then(chain.Bind(client.Command(wire.ObjectOutput, wire.CmdPlay), chain.Prev)).
		Wait(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("play -> %s\n", played)

	for s := range statuses {
		fmt.Printf("playback.status = %d\n", s)
		if s == wire.StatusStopped {
			break
		}
	}

	if err := mediaclient.NewSync(client, 0).Quit(ctx); err != nil {
		log.Fatal(err)
	}
	<-done
}

// writeSilence writes a tenth of a second of 16-bit stereo silence.
func writeSilence(path string) error {
	const frames = 4410
	data := make([]byte, 44+frames*4)
	copy(data[0:], "RIFF")
	binary.LittleEndian.PutUint32(data[4:], uint32(36+frames*4))
	copy(data[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(data[16:], 16)
	binary.LittleEndian.PutUint16(data[20:], 1)
	binary.LittleEndian.PutUint16(data[22:], 2)
	binary.LittleEndian.PutUint32(data[24:], 44100)
	binary.LittleEndian.PutUint32(data[28:], 44100*4)
	binary.LittleEndian.PutUint16(data[32:], 4)
	binary.LittleEndian.PutUint16(data[34:], 16)
	copy(data[36:], "data")
	binary.LittleEndian.PutUint32(data[40:], frames*4)
	return os.WriteFile(path, data, 0o644)
}
