package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/K3das/turtle/asr"
	"github.com/K3das/turtle/commands"
	"github.com/K3das/turtle/utils"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const DefaultInterval = time.Second

// Script is a recorded classifier session:
//
//	labels: [_background_noise_, go, left, right]
//	interval: 500ms
//	frames:
//	  - [0.1, 0.85, 0.03, 0.02]
type Script struct {
	Labels   []string    `yaml:"labels"`
	Interval string      `yaml:"interval"`
	Frames   [][]float64 `yaml:"frames"`
}

type ClassifierOptions struct {
	ScriptPath string `env:"SCRIPT" envDefault:"replay.yaml"`
	// Loop restarts the script after the last frame.
	Loop bool `env:"LOOP" envDefault:"true"`
}

// Classifier plays back a Script as if it were live audio.
type Classifier struct {
	log *zap.Logger
	fs  afero.Fs

	scriptPath string
	loop       bool

	mu        sync.Mutex
	script    *Script
	interval  time.Duration
	listening bool
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ asr.Classifier = (*Classifier)(nil)

func NewClassifier(parentLogger *zap.Logger, fs afero.Fs, options ClassifierOptions) *Classifier {
	return &Classifier{
		log:        parentLogger.Named("asr_replay"),
		fs:         fs,
		scriptPath: options.ScriptPath,
		loop:       options.Loop,
	}
}

func ParseScript(data []byte) (*Script, time.Duration, error) {
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, 0, fmt.Errorf("decoding script yaml: %w", err)
	}

	if len(script.Labels) == 0 {
		return nil, 0, fmt.Errorf("script has no labels")
	}

	interval := DefaultInterval
	if script.Interval != "" {
		parsed, err := time.ParseDuration(script.Interval)
		if err != nil {
			return nil, 0, fmt.Errorf("parsing interval: %w", err)
		}
		if parsed <= 0 {
			return nil, 0, fmt.Errorf("interval must be positive, got %s", parsed)
		}
		interval = parsed
	}

	return &script, interval, nil
}

func (c *Classifier) EnsureModelLoaded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.script != nil {
		return nil
	}

	data, err := afero.ReadFile(c.fs, c.scriptPath)
	if err != nil {
		return fmt.Errorf("%w: reading script: %w", asr.ErrModelLoad, err)
	}

	script, interval, err := ParseScript(data)
	if err != nil {
		return fmt.Errorf("%w: %w", asr.ErrModelLoad, err)
	}

	c.script = script
	c.interval = interval
	c.log.With(
		zap.String("script", c.scriptPath),
		zap.Int("frames", len(script.Frames)),
		zap.Duration("interval", interval),
	).Info("script loaded")

	return nil
}

func (c *Classifier) WordLabels() commands.Vocabulary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.script == nil {
		return nil
	}
	return c.script.Labels
}

func (c *Classifier) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

func (c *Classifier) Listen(ctx context.Context, onFrame asr.FrameFunc, onEnd asr.EndFunc, options asr.ListenOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.script == nil {
		return asr.ErrModelNotLoaded
	}
	if c.listening {
		return asr.ErrAlreadyListening
	}
	if c.cancel != nil {
		c.cancel()
	}

	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.listening = true
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.play(playCtx, c.script.Frames, c.interval, onFrame, onEnd, options, c.done)

	return nil
}

func (c *Classifier) play(ctx context.Context, frames [][]float64, interval time.Duration, onFrame asr.FrameFunc, onEnd asr.EndFunc, options asr.ListenOptions, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.listening = false
		c.mu.Unlock()
		close(done)

		// stopped streams don't report back
		if ctx.Err() == nil && onEnd != nil {
			onEnd(nil)
		}
	}()
	defer utils.PanicRecovery(c.log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if i == len(frames) {
			if !c.loop || len(frames) == 0 {
				c.log.Info("script finished")
				return
			}
			i = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		scores := commands.ScoreVector(frames[i])
		if options.Passes(scores) {
			onFrame(scores)
		}
	}
}

func (c *Classifier) StopListening() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
