package controller

import (
	"context"
	"errors"
	"sync"

	"github.com/K3das/turtle/asr"
	"github.com/K3das/turtle/commands"
	"github.com/K3das/turtle/turtle"
)

type fakeClassifier struct {
	mu        sync.Mutex
	labels    commands.Vocabulary
	loadErr   error
	listenErr error
	listening bool
	onFrame   asr.FrameFunc
	onEnd     asr.EndFunc
	options   asr.ListenOptions
	stops     int
}

func (f *fakeClassifier) EnsureModelLoaded(ctx context.Context) error {
	return f.loadErr
}

func (f *fakeClassifier) WordLabels() commands.Vocabulary {
	return f.labels
}

func (f *fakeClassifier) IsListening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening
}

func (f *fakeClassifier) Listen(ctx context.Context, onFrame asr.FrameFunc, onEnd asr.EndFunc, options asr.ListenOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	if f.listening {
		return asr.ErrAlreadyListening
	}
	f.listening = true
	f.onFrame = onFrame
	f.onEnd = onEnd
	f.options = options
	return nil
}

func (f *fakeClassifier) StopListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = false
	f.onFrame = nil
	f.onEnd = nil
	f.stops++
	return nil
}

func (f *fakeClassifier) emit(scores commands.ScoreVector) {
	f.mu.Lock()
	onFrame := f.onFrame
	f.mu.Unlock()
	if onFrame != nil {
		onFrame(scores)
	}
}

// end finishes the stream the way a source running dry does.
func (f *fakeClassifier) end(err error) {
	f.mu.Lock()
	onEnd := f.onEnd
	f.listening = false
	f.onFrame = nil
	f.onEnd = nil
	f.mu.Unlock()
	if onEnd != nil {
		onEnd(err)
	}
}

func (f *fakeClassifier) endFunc() asr.EndFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onEnd
}

// gatedActuator wraps a canvas and blocks every motion on gate while it is
// non-nil, signalling entered first.
type gatedActuator struct {
	*turtle.Canvas

	gate    chan struct{}
	entered chan string
}

func newGatedActuator() *gatedActuator {
	return &gatedActuator{
		Canvas:  turtle.NewCanvas(turtle.DefaultWidth, turtle.DefaultHeight, turtle.Options{AutoStart: true}),
		entered: make(chan string, 16),
	}
}

func (g *gatedActuator) wait(ctx context.Context, name string) error {
	if g.gate == nil {
		return nil
	}
	g.entered <- name
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedActuator) Forward(ctx context.Context, distance float64) error {
	if err := g.wait(ctx, "forward"); err != nil {
		return err
	}
	return g.Canvas.Forward(ctx, distance)
}

func (g *gatedActuator) Right(ctx context.Context, degrees float64) error {
	if err := g.wait(ctx, "right"); err != nil {
		return err
	}
	return g.Canvas.Right(ctx, degrees)
}

type failingActuator struct {
	*turtle.Canvas
}

var errMotor = errors.New("motor jammed")

func (f failingActuator) Left(ctx context.Context, degrees float64) error {
	return errMotor
}

type journalEntry struct {
	sessionID string
	event     commands.Event
	state     State
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journalEntry
}

func (j *fakeJournal) RecordCommand(ctx context.Context, sessionID string, event commands.Event, state State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, journalEntry{sessionID: sessionID, event: event, state: state})
	return nil
}
