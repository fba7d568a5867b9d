package player

import (
	"fmt"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSampleRate = beep.SampleRate(44100)
	SpeakerBufferSize = time.Millisecond * 250
)

// Output is the platform audio sink the analysis graph plays into. Play hands
// over a streamer that the sink pulls on its own goroutine while holding the
// lock exposed by Lock and Unlock.
type Output interface {
	Init(sampleRate beep.SampleRate) error
	Play(s beep.Streamer)
	Lock()
	Unlock()
	Close()
}

// OutputFactory builds a fresh Output for every graph the provider creates.
type OutputFactory func() Output

type speakerOutput struct{}

// NewSpeakerOutput returns an Output backed by the beep speaker.
func NewSpeakerOutput() Output {
	return speakerOutput{}
}

func (speakerOutput) Init(sampleRate beep.SampleRate) error {
	if err := speaker.Init(sampleRate, sampleRate.N(SpeakerBufferSize)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}
	log.Debug().Msgf("Speaker initialized with sample rate: %d Hz, buffer: %v", sampleRate, SpeakerBufferSize)
	return nil
}

func (speakerOutput) Play(s beep.Streamer) { speaker.Play(s) }

func (speakerOutput) Lock() { speaker.Lock() }

func (speakerOutput) Unlock() { speaker.Unlock() }

func (speakerOutput) Close() {
	speaker.Clear()
	speaker.Close()
	log.Debug().Msg("Speaker closed")
}
