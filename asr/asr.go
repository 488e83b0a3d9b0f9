package asr

import (
	"context"
	"errors"

	"github.com/K3das/turtle/commands"
)

var (
	ErrModelLoad        = errors.New("classifier model failed to load")
	ErrModelNotLoaded   = errors.New("classifier model not loaded")
	ErrAlreadyListening = errors.New("classifier already listening")
)

// Classifier scores streaming audio against a fixed vocabulary of words.
type Classifier interface {
	// EnsureModelLoaded blocks until the model is ready. Failures wrap
	// ErrModelLoad.
	EnsureModelLoaded(ctx context.Context) error
	WordLabels() commands.Vocabulary
	IsListening() bool
	// Listen starts streaming and returns once frames are flowing. onFrame is
	// called from the classifier's goroutine, one frame at a time, until
	// StopListening is called. If the stream ends on its own, onEnd is called
	// once after IsListening reports false, with nil for a clean end of input.
	// A stream ended by StopListening does not report.
	Listen(ctx context.Context, onFrame FrameFunc, onEnd EndFunc, options ListenOptions) error
	StopListening() error
}

type FrameFunc func(scores commands.ScoreVector)

type EndFunc func(err error)

type ListenOptions struct {
	IncludeSpectrogram bool `env:"INCLUDE_SPECTROGRAM" envDefault:"true"`
	// Frames whose best score is below ProbabilityThreshold are not delivered.
	ProbabilityThreshold float64 `env:"PROBABILITY_THRESHOLD" envDefault:"0.8"`
	// OverlapFactor is the fraction of each analysis window shared with the
	// next one, in [0, 1).
	OverlapFactor float64 `env:"OVERLAP_FACTOR" envDefault:"0.34"`
}

func DefaultListenOptions() ListenOptions {
	return ListenOptions{
		IncludeSpectrogram:   true,
		ProbabilityThreshold: 0.8,
		OverlapFactor:        0.34,
	}
}

// Passes reports whether a frame should be delivered under these options.
func (o ListenOptions) Passes(scores commands.ScoreVector) bool {
	return len(scores) > 0 && scores.Max() >= o.ProbabilityThreshold
}
