package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/K3das/turtle/asr"
	"github.com/K3das/turtle/asr/replay"
	"github.com/K3das/turtle/commands"
	"github.com/K3das/turtle/metric"
	"github.com/K3das/turtle/turtle"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var center = turtle.Point{X: 250, Y: 250}

var speechCommands = commands.Vocabulary{"_background_noise_", "_unknown_", "down", "go", "left", "no", "right", "up"}

type harness struct {
	controller *Controller
	classifier *fakeClassifier
	session    *Session
	metrics    *metric.Metrics
	journal    *fakeJournal
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	classifier := &fakeClassifier{labels: speechCommands}
	session := NewSession(zap.NewNop(), classifier)
	require.NoError(t, session.Init(context.Background()))

	h := &harness{
		classifier: classifier,
		session:    session,
		metrics:    metric.NewMetrics(),
		journal:    &fakeJournal{},
	}

	options := Options{
		ParentLogger:  zap.NewNop(),
		Session:       session,
		Metrics:       h.metrics,
		Journal:       h.journal,
		Center:        center,
		ListenOptions: asr.DefaultListenOptions(),
	}
	for _, m := range mutate {
		m(&options)
	}

	c, err := New(options)
	require.NoError(t, err)
	h.controller = c
	return h
}

// newCanvas returns a started canvas with the startup motion already applied.
func (h *harness) attachCanvas(t *testing.T) *turtle.Canvas {
	t.Helper()
	canvas := turtle.NewCanvas(turtle.DefaultWidth, turtle.DefaultHeight, turtle.Options{AutoStart: true})
	require.NoError(t, h.controller.AttachActuator(context.Background(), canvas))
	return canvas
}

func event(label string) commands.Event {
	return commands.Event{Label: label}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Session: NewSession(zap.NewNop(), &fakeClassifier{})})
	assert.Error(t, err)

	_, err = New(Options{ParentLogger: zap.NewNop()})
	assert.Error(t, err)
}

func TestController_InitialState(t *testing.T) {
	h := newHarness(t)

	state := h.controller.Snapshot()
	assert.Equal(t, center, state.Position)
	assert.Equal(t, 0.0, state.Heading)
	assert.False(t, state.Listening)
	assert.False(t, state.Busy)
	assert.Empty(t, state.Label)
}

func TestController_AttachActuatorMovesForward(t *testing.T) {
	h := newHarness(t)
	canvas := h.attachCanvas(t)

	assert.Equal(t, turtle.Point{X: 290, Y: 250}, h.controller.Snapshot().Position)
	assert.Len(t, canvas.Trail(), 1)
}

func TestController_NotReadyDropsMotion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.controller.StartListening(ctx))

	err := h.controller.ApplyCommand(ctx, event(commands.LabelGo))
	assert.ErrorIs(t, err, ErrActuatorNotReady)
	assert.Equal(t, center, h.controller.Snapshot().Position)

	assert.ErrorIs(t, h.controller.Reset(ctx), ErrActuatorNotReady)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDropped.WithLabelValues("not_ready")))
}

func TestController_UnstartedActuatorNotReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	canvas := turtle.NewCanvas(turtle.DefaultWidth, turtle.DefaultHeight, turtle.Options{})

	err := h.controller.AttachActuator(ctx, canvas)
	assert.ErrorIs(t, err, ErrActuatorNotReady)
	assert.ErrorIs(t, err, turtle.ErrNotStarted)

	require.NoError(t, h.controller.StartListening(ctx))
	err = h.controller.ApplyCommand(ctx, event(commands.LabelGo))
	assert.ErrorIs(t, err, ErrActuatorNotReady)
	assert.False(t, h.controller.Snapshot().Busy)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDropped.WithLabelValues("not_ready")))

	assert.ErrorIs(t, h.controller.Reset(ctx), ErrActuatorNotReady)
}

func TestController_ApplyCommandIgnoredWhileIdle(t *testing.T) {
	h := newHarness(t)
	h.attachCanvas(t)
	before := h.controller.Snapshot()

	require.NoError(t, h.controller.ApplyCommand(context.Background(), event(commands.LabelGo)))
	assert.Equal(t, before, h.controller.Snapshot())
}

func TestController_ApplyCommandNoneAndUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.attachCanvas(t)
	require.NoError(t, h.controller.StartListening(ctx))
	before := h.controller.Snapshot()

	require.NoError(t, h.controller.ApplyCommand(ctx, commands.Event{}))
	require.NoError(t, h.controller.ApplyCommand(ctx, event("up")))
	assert.Equal(t, before, h.controller.Snapshot())
}

func TestController_MotionComposition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.attachCanvas(t)
	require.NoError(t, h.controller.Reset(ctx))
	require.NoError(t, h.controller.StartListening(ctx))

	require.NoError(t, h.controller.ApplyCommand(ctx, event(commands.LabelGo)))
	state := h.controller.Snapshot()
	assert.Equal(t, turtle.Point{X: 290, Y: 250}, state.Position)
	assert.Equal(t, commands.LabelGo, state.Label)

	require.NoError(t, h.controller.ApplyCommand(ctx, event(commands.LabelRight)))
	require.NoError(t, h.controller.ApplyCommand(ctx, event(commands.LabelRight)))
	state = h.controller.Snapshot()
	assert.Equal(t, 180.0, state.Heading)
	assert.Equal(t, commands.LabelRight, state.Label)

	require.NoError(t, h.controller.ApplyCommand(ctx, event(commands.LabelLeft)))
	assert.Equal(t, 90.0, h.controller.Snapshot().Heading)

	require.NoError(t, h.controller.ApplyCommand(ctx, event(commands.LabelNo)))
	assert.Equal(t, turtle.Point{X: 290, Y: 210}, h.controller.Snapshot().Position)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.CommandsApplied.WithLabelValues(commands.LabelRight)))
}

func TestController_CustomSteps(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.StepDistance = 10
		o.StepAngle = 45
	})
	ctx := context.Background()
	h.attachCanvas(t)
	require.NoError(t, h.controller.StartListening(ctx))

	assert.Equal(t, turtle.Point{X: 260, Y: 250}, h.controller.Snapshot().Position)
	require.NoError(t, h.controller.ApplyCommand(ctx, event(commands.LabelRight)))
	assert.Equal(t, 45.0, h.controller.Snapshot().Heading)
}

func TestController_ResetIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	canvas := h.attachCanvas(t)
	require.NoError(t, h.controller.StartListening(ctx))

	require.NoError(t, h.controller.ApplyCommand(ctx, event(commands.LabelRight)))
	require.NoError(t, h.controller.ApplyCommand(ctx, event(commands.LabelGo)))

	require.NoError(t, h.controller.Reset(ctx))
	once := h.controller.Snapshot()
	require.NoError(t, h.controller.Reset(ctx))
	twice := h.controller.Snapshot()

	assert.Equal(t, once, twice)
	assert.Equal(t, center, twice.Position)
	assert.Equal(t, 0.0, twice.Heading)
	assert.True(t, twice.Listening, "reset leaves the listening state alone")
	assert.Empty(t, canvas.Trail())
}

func TestController_ResetFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	actuator := failingActuator{Canvas: turtle.NewCanvas(turtle.DefaultWidth, turtle.DefaultHeight, turtle.Options{AutoStart: true})}
	require.NoError(t, h.controller.AttachActuator(ctx, actuator))
	require.NoError(t, actuator.Right(ctx, 90))

	err := h.controller.Reset(ctx)
	assert.ErrorIs(t, err, errMotor)
	assert.False(t, h.controller.Snapshot().Busy)
}

func TestController_ToggleRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.attachCanvas(t)

	state, err := h.controller.ToggleListening(ctx)
	require.NoError(t, err)
	assert.Equal(t, Listening, state)
	assert.True(t, h.classifier.IsListening())
	assert.Equal(t, asr.DefaultListenOptions(), h.classifier.options)

	require.NoError(t, h.controller.ApplyCommand(ctx, event(commands.LabelGo)))
	assert.Equal(t, commands.LabelGo, h.controller.Snapshot().Label)

	state, err = h.controller.ToggleListening(ctx)
	require.NoError(t, err)
	assert.Equal(t, Idle, state)
	assert.False(t, h.classifier.IsListening())
	assert.Empty(t, h.controller.Snapshot().Label)
	assert.Equal(t, "idle", state.String())
}

func TestController_LifecycleEdges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.controller.StopListening(ctx), ErrAlreadyIdle)
	require.NoError(t, h.controller.StartListening(ctx))
	assert.ErrorIs(t, h.controller.StartListening(ctx), ErrAlreadyListening)
	require.NoError(t, h.controller.StopListening(ctx))
	assert.Equal(t, 1, h.classifier.stops)
}

func TestController_ModelLoadFailureIsInert(t *testing.T) {
	classifier := &fakeClassifier{loadErr: errors.New("no model")}
	session := NewSession(zap.NewNop(), classifier)

	err := session.Init(context.Background())
	assert.ErrorIs(t, err, asr.ErrModelLoad)

	c, err := New(Options{ParentLogger: zap.NewNop(), Session: session})
	require.NoError(t, err)

	state, err := c.ToggleListening(context.Background())
	assert.ErrorIs(t, err, asr.ErrModelLoad)
	assert.Equal(t, Idle, state)
	assert.False(t, classifier.IsListening())
}

func TestController_ListenFailureStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.classifier.listenErr = errors.New("no microphone")

	err := h.controller.StartListening(context.Background())
	assert.Error(t, err)
	assert.False(t, h.controller.Snapshot().Listening)
}

func TestController_StreamFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.attachCanvas(t)

	var states []State
	var mu sync.Mutex
	h.controller.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	require.NoError(t, h.controller.StartListening(ctx))
	require.NoError(t, h.controller.ApplyCommand(ctx, event(commands.LabelGo)))
	assert.Equal(t, commands.LabelGo, h.controller.Snapshot().Label)

	h.classifier.end(errors.New("capture device unplugged"))

	state := h.controller.Snapshot()
	assert.False(t, state.Listening)
	assert.Empty(t, state.Label)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Listening))

	mu.Lock()
	require.NotEmpty(t, states)
	assert.False(t, states[len(states)-1].Listening)
	mu.Unlock()

	// one click restarts
	listening, err := h.controller.ToggleListening(ctx)
	require.NoError(t, err)
	assert.Equal(t, Listening, listening)
	assert.True(t, h.classifier.IsListening())
}

func TestController_EarlierStreamEndIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.controller.StartListening(ctx))
	first := h.classifier.endFunc()
	require.NotNil(t, first)

	require.NoError(t, h.controller.StopListening(ctx))
	require.NoError(t, h.controller.StartListening(ctx))

	first(nil)
	assert.True(t, h.controller.Snapshot().Listening)
	assert.True(t, h.classifier.IsListening())
}

func TestController_ScriptEndReturnsToIdle(t *testing.T) {
	fs := afero.NewMemMapFs()
	script := "labels: [_background_noise_, go, right]\ninterval: 5ms\nframes:\n  - [0.02, 0.95, 0.03]\n"
	require.NoError(t, afero.WriteFile(fs, "script.yaml", []byte(script), 0o644))

	classifier := replay.NewClassifier(zap.NewNop(), fs, replay.ClassifierOptions{ScriptPath: "script.yaml"})
	session := NewSession(zap.NewNop(), classifier)
	require.NoError(t, session.Init(context.Background()))

	c, err := New(Options{ParentLogger: zap.NewNop(), Session: session, Center: center})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.StartListening(ctx))
	require.Eventually(t, func() bool {
		return !c.Snapshot().Listening
	}, time.Second, time.Millisecond)
	assert.False(t, classifier.IsListening())

	state, err := c.ToggleListening(ctx)
	require.NoError(t, err)
	assert.Equal(t, Listening, state)
	require.NoError(t, c.Close(ctx))
}

func TestController_DropsFrameWhileBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	actuator := newGatedActuator()
	require.NoError(t, h.controller.AttachActuator(ctx, actuator))
	require.NoError(t, h.controller.Reset(ctx))
	require.NoError(t, h.controller.StartListening(ctx))

	actuator.gate = make(chan struct{})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = h.controller.ApplyCommand(ctx, commands.Event{Label: commands.LabelGo, Frame: 1})
	}()

	select {
	case <-actuator.entered:
	case <-time.After(time.Second):
		t.Fatal("first motion never started")
	}
	assert.True(t, h.controller.Snapshot().Busy)
	assert.Equal(t, center, h.controller.Snapshot().Position, "mid-motion state is not visible")

	err := h.controller.ApplyCommand(ctx, commands.Event{Label: commands.LabelRight, Frame: 2})
	assert.ErrorIs(t, err, ErrBusy)

	close(actuator.gate)
	wg.Wait()
	require.NoError(t, firstErr)

	state := h.controller.Snapshot()
	assert.False(t, state.Busy)
	assert.Equal(t, turtle.Point{X: 290, Y: 250}, state.Position)
	assert.Equal(t, 0.0, state.Heading, "frame 2 was dropped")
	assert.Equal(t, commands.LabelGo, state.Label)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsDropped.WithLabelValues("busy")))
}

func TestController_StopDuringMotionClearsLabel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	actuator := newGatedActuator()
	require.NoError(t, h.controller.AttachActuator(ctx, actuator))
	require.NoError(t, h.controller.StartListening(ctx))

	actuator.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- h.controller.ApplyCommand(ctx, event(commands.LabelGo))
	}()
	<-actuator.entered

	require.NoError(t, h.controller.StopListening(ctx))
	close(actuator.gate)
	require.NoError(t, <-done)

	state := h.controller.Snapshot()
	assert.Empty(t, state.Label)
	assert.Equal(t, turtle.Point{X: 330, Y: 250}, state.Position, "in-flight motion completes")
}

func TestController_SubmitKeepsLatest(t *testing.T) {
	h := newHarness(t)

	h.controller.Submit(commands.Event{Label: commands.LabelGo, Frame: 1})
	h.controller.Submit(commands.Event{Label: commands.LabelLeft, Frame: 2})
	h.controller.Submit(commands.Event{Label: commands.LabelRight, Frame: 3})

	pending := <-h.controller.events
	assert.Equal(t, uint64(3), pending.Frame)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.EventsDropped.WithLabelValues("superseded")))

	select {
	case e := <-h.controller.events:
		t.Fatalf("unexpected pending event %v", e)
	default:
	}
}

func TestController_FramesFlowThroughRun(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.attachCanvas(t)

	states := make(chan State, 16)
	h.controller.Subscribe(func(s State) {
		states <- s
	})

	runDone := make(chan error, 1)
	go func() {
		runDone <- h.controller.Run(ctx)
	}()

	require.NoError(t, h.controller.StartListening(ctx))
	<-states

	// "right" wins
	h.classifier.emit(commands.ScoreVector{0, 0, 0, 0.01, 0.02, 0, 0.95, 0.02})

	select {
	case s := <-states:
		assert.Equal(t, commands.LabelRight, s.Label)
		assert.Equal(t, 90.0, s.Heading)
	case <-time.After(time.Second):
		t.Fatal("command was not applied")
	}

	// background noise and wrong-length frames never reach the actuator
	h.classifier.emit(commands.ScoreVector{0.99, 0, 0, 0, 0, 0, 0, 0})
	h.classifier.emit(commands.ScoreVector{0.99})

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FramesDecoded.WithLabelValues("command")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FramesDecoded.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FramesDecoded.WithLabelValues("invalid")))

	cancel()
	require.NoError(t, <-runDone)

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	require.Len(t, h.journal.entries, 1)
	assert.Equal(t, h.session.ID.String(), h.journal.entries[0].sessionID)
	assert.Equal(t, uint64(1), h.journal.entries[0].event.Frame)
	assert.Equal(t, commands.LabelRight, h.journal.entries[0].state.Label)
}

func TestController_Close(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.controller.Close(ctx))

	require.NoError(t, h.controller.StartListening(ctx))
	require.NoError(t, h.controller.Close(ctx))
	assert.False(t, h.classifier.IsListening())
	assert.False(t, h.controller.Snapshot().Listening)
}
