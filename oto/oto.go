// Package oto paces the sequencer off the audio output clock. The device
// pulls sample frames at its own rate; each pull reports the elapsed output
// time to a tick callback, which is the only pacing signal the sequencer
// gets. Silence goes to the device since the MIDI backend renders elsewhere.
package oto

import (
	"fmt"

	"github.com/ebitengine/oto/v3"

	"ostinato"
)

const (
	sampleRate = 44100
	channels   = 2
	// 4 bytes per sample, FormatFloat32LE
	bytesPerFrame = channels * 4
)

type (
	// TickFunc runs on the audio context with the output time elapsed since
	// the previous call.
	TickFunc func(elapsed ostinato.RealTime)

	Pacer struct {
		ctx    *oto.Context
		player *oto.Player
	}

	tickReader struct {
		tick TickFunc
	}
)

// NewPacer opens the audio device and starts calling tick at the device's
// pull cadence.
func NewPacer(tick TickFunc) (*Pacer, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatFloat32LE,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	<-ready
	player := ctx.NewPlayer(&tickReader{tick: tick})
	player.Play()
	return &Pacer{ctx: ctx, player: player}, nil
}

func (p *Pacer) Close() error {
	if err := p.player.Close(); err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}

func (r *tickReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	frames := len(p) / bytesPerFrame
	r.tick(ostinato.RealTime(int64(frames) * 1e9 / sampleRate))
	return frames * bytesPerFrame, nil
}
