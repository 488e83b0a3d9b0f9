package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/K3das/turtle/asr"
	"github.com/K3das/turtle/commands"
	"github.com/K3das/turtle/metric"
	"github.com/K3das/turtle/turtle"
	"github.com/K3das/turtle/utils"
	"go.uber.org/zap"
)

var (
	ErrActuatorNotReady = errors.New("actuator not ready")
	ErrBusy             = errors.New("actuator busy")
	ErrAlreadyListening = errors.New("already listening")
	ErrAlreadyIdle      = errors.New("already idle")
)

const (
	DefaultStepDistance = 40
	DefaultStepAngle    = 90
)

type ListeningState int

const (
	Idle ListeningState = iota
	Listening
)

func (s ListeningState) String() string {
	if s == Listening {
		return "listening"
	}
	return "idle"
}

// State is a consistent snapshot of the turtle as the controller last saw it.
type State struct {
	Position  turtle.Point
	Heading   float64
	Busy      bool
	Listening bool
	// Label is the last applied command, empty while idle.
	Label string
}

func (s State) ListeningState() ListeningState {
	if s.Listening {
		return Listening
	}
	return Idle
}

// Journal records applied commands outside the controller.
type Journal interface {
	RecordCommand(ctx context.Context, sessionID string, event commands.Event, state State) error
}

type motion func(ctx context.Context, a turtle.Actuator) error

type Options struct {
	ParentLogger *zap.Logger
	Session      *Session
	Metrics      *metric.Metrics
	Journal      Journal

	Center         turtle.Point
	InitialHeading float64
	StepDistance   float64
	StepAngle      float64
	Allowed        commands.AllowList
	ListenOptions  asr.ListenOptions
}

// Controller owns the actuator state and the listening lifecycle. It is the
// only writer of State.
type Controller struct {
	log     *zap.Logger
	session *Session
	metrics *metric.Metrics
	journal Journal

	center         turtle.Point
	initialHeading float64
	allowed        commands.AllowList
	listenOptions  asr.ListenOptions
	motions        map[string]motion

	actuatorMu sync.RWMutex
	actuator   turtle.Actuator

	// motionMu is held for the whole duration of a motion
	motionMu sync.Mutex
	// lifecycleMu serializes listening transitions
	lifecycleMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	listenersMu sync.RWMutex
	listeners   []func(State)

	events chan commands.Event
	frames atomic.Uint64

	// streamGen identifies the current classifier stream, guarded by
	// lifecycleMu
	streamGen uint64
}

func New(options Options) (*Controller, error) {
	if options.ParentLogger == nil {
		return nil, fmt.Errorf("parent logger is nil")
	}
	if options.Session == nil {
		return nil, fmt.Errorf("session is nil")
	}

	c := &Controller{
		log:            options.ParentLogger.Named("controller").With(zap.String("session_id", options.Session.ID.String())),
		session:        options.Session,
		metrics:        options.Metrics,
		journal:        options.Journal,
		center:         options.Center,
		initialHeading: options.InitialHeading,
		allowed:        options.Allowed,
		listenOptions:  options.ListenOptions,
		events:         make(chan commands.Event, 1),
	}

	if c.metrics == nil {
		c.metrics = metric.NewMetrics()
	}
	if c.allowed == nil {
		c.allowed = commands.DefaultAllowList()
	}

	stepDistance := options.StepDistance
	if stepDistance == 0 {
		stepDistance = DefaultStepDistance
	}
	stepAngle := options.StepAngle
	if stepAngle == 0 {
		stepAngle = DefaultStepAngle
	}

	c.motions = map[string]motion{
		commands.LabelRight: func(ctx context.Context, a turtle.Actuator) error {
			return a.Right(ctx, stepAngle)
		},
		commands.LabelLeft: func(ctx context.Context, a turtle.Actuator) error {
			return a.Left(ctx, stepAngle)
		},
		commands.LabelGo: func(ctx context.Context, a turtle.Actuator) error {
			return a.Forward(ctx, stepDistance)
		},
		commands.LabelNo: func(ctx context.Context, a turtle.Actuator) error {
			return a.Back(ctx, stepDistance)
		},
	}

	c.state = State{
		Position: c.center,
		Heading:  c.initialHeading,
	}

	return c, nil
}

// AttachActuator binds the turtle primitive, centers it and issues the
// startup forward motion. Until then motions fail with ErrActuatorNotReady.
func (c *Controller) AttachActuator(ctx context.Context, actuator turtle.Actuator) error {
	c.actuatorMu.Lock()
	c.actuator = actuator
	c.actuatorMu.Unlock()

	c.motionMu.Lock()
	c.setBusy(true)
	err := actuator.SetPosition(ctx, c.center.X, c.center.Y)
	if err == nil {
		err = c.motions[commands.LabelGo](ctx, actuator)
	}
	c.settle(actuator, "")
	c.motionMu.Unlock()

	c.notify()

	if err != nil {
		return fmt.Errorf("startup motion: %w", notReady(err))
	}
	c.log.Info("actuator attached")
	return nil
}

func (c *Controller) getActuator() turtle.Actuator {
	c.actuatorMu.RLock()
	defer c.actuatorMu.RUnlock()
	return c.actuator
}

// Snapshot returns the current state. It never reflects a half-applied
// motion.
func (c *Controller) Snapshot() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Subscribe registers fn to be called with the new state after every
// completed change. fn runs on the goroutine that made the change.
func (c *Controller) Subscribe(fn func(State)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) notify() {
	state := c.Snapshot()

	c.listenersMu.RLock()
	listeners := make([]func(State), len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// StartListening moves Idle to Listening and starts streaming frames from the
// classifier.
func (c *Controller) StartListening(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if err := c.startLocked(ctx); err != nil {
		return err
	}
	c.notify()
	return nil
}

// StopListening moves Listening to Idle and clears the displayed command. A
// motion already in flight still completes.
func (c *Controller) StopListening(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if err := c.stopLocked(); err != nil {
		return err
	}
	c.notify()
	return nil
}

// ToggleListening flips between Idle and Listening and returns the new state.
func (c *Controller) ToggleListening(ctx context.Context) (ListeningState, error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	var err error
	if c.Snapshot().Listening {
		err = c.stopLocked()
	} else {
		err = c.startLocked(ctx)
	}
	if err != nil {
		return c.Snapshot().ListeningState(), err
	}

	c.notify()
	return c.Snapshot().ListeningState(), nil
}

func (c *Controller) startLocked(ctx context.Context) error {
	if c.Snapshot().Listening {
		return ErrAlreadyListening
	}

	vocabulary, err := c.session.Vocabulary()
	if err != nil {
		return fmt.Errorf("starting to listen: %w", err)
	}

	c.streamGen++
	err = c.session.Classifier().Listen(ctx, c.handleFrame(vocabulary), c.handleStreamEnd(c.streamGen), c.listenOptions)
	if err != nil {
		return fmt.Errorf("starting classifier: %w", err)
	}

	c.stateMu.Lock()
	c.state.Listening = true
	c.stateMu.Unlock()
	c.metrics.Listening.Set(1)

	c.log.Info("listening for commands")
	return nil
}

func (c *Controller) stopLocked() error {
	if !c.Snapshot().Listening {
		return ErrAlreadyIdle
	}

	c.setIdle()

	if err := c.session.Classifier().StopListening(); err != nil {
		return fmt.Errorf("stopping classifier: %w", err)
	}

	c.log.Info("stopped listening")
	return nil
}

func (c *Controller) setIdle() {
	c.stateMu.Lock()
	c.state.Listening = false
	c.state.Label = ""
	c.stateMu.Unlock()
	c.metrics.Listening.Set(0)

	// drop whatever was waiting
	select {
	case <-c.events:
	default:
	}
}

// handleStreamEnd returns the callback for a stream that ends without being
// stopped. Ends of earlier streams are ignored.
func (c *Controller) handleStreamEnd(gen uint64) asr.EndFunc {
	return func(err error) {
		c.lifecycleMu.Lock()
		defer c.lifecycleMu.Unlock()

		if gen != c.streamGen || !c.Snapshot().Listening {
			return
		}

		c.setIdle()
		// releases the finished stream
		if stopErr := c.session.Classifier().StopListening(); stopErr != nil {
			c.log.Warn("releasing classifier", zap.Error(stopErr))
		}

		if err != nil {
			c.log.Error("classifier stream failed", zap.Error(err))
		} else {
			c.log.Info("classifier stream ended")
		}
		c.notify()
	}
}

func (c *Controller) handleFrame(vocabulary commands.Vocabulary) asr.FrameFunc {
	return func(scores commands.ScoreVector) {
		frame := c.frames.Add(1)

		event, err := commands.Decode(scores, vocabulary, c.allowed)
		if err != nil {
			c.metrics.FramesDecoded.WithLabelValues("invalid").Inc()
			c.log.With(zap.Uint64("frame", frame)).Error("decoding frame", zap.Error(err))
			return
		}
		if event.IsNone() {
			c.metrics.FramesDecoded.WithLabelValues("none").Inc()
			return
		}

		c.metrics.FramesDecoded.WithLabelValues("command").Inc()
		event.Frame = frame
		c.Submit(event)
	}
}

// Submit offers event to Run without blocking. A pending event that has not
// been picked up yet is replaced.
func (c *Controller) Submit(event commands.Event) {
	for {
		select {
		case c.events <- event:
			return
		default:
		}

		select {
		case stale := <-c.events:
			c.metrics.EventsDropped.WithLabelValues("superseded").Inc()
			c.log.With(zap.Uint64("frame", stale.Frame), zap.String("command", stale.Label)).Debug("dropping superseded command")
		default:
		}
	}
}

// Run applies submitted events one at a time until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	defer utils.PanicRecovery(c.log)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-c.events:
			ctx, log := utils.LogContextWith(ctx, c.log, zap.Uint64("frame", event.Frame), zap.String("command", event.Label))

			err := c.ApplyCommand(ctx, event)
			switch {
			case err == nil:
			case errors.Is(err, ErrBusy):
				log.Debug("actuator busy, dropping command")
			case errors.Is(err, ErrActuatorNotReady):
				log.Warn("actuator not ready, dropping command")
			default:
				log.Error("applying command", zap.Error(err))
			}
		}
	}
}

// ApplyCommand performs the motion for event. It does nothing for the none
// event, for labels without a motion, or while idle. If another motion is
// in flight the event is dropped with ErrBusy.
func (c *Controller) ApplyCommand(ctx context.Context, event commands.Event) error {
	if event.IsNone() || !c.Snapshot().Listening {
		return nil
	}

	move, ok := c.motions[event.Label]
	if !ok {
		return nil
	}

	actuator := c.getActuator()
	if actuator == nil {
		c.metrics.EventsDropped.WithLabelValues("not_ready").Inc()
		return fmt.Errorf("applying %s: %w", event.Label, ErrActuatorNotReady)
	}

	if !c.motionMu.TryLock() {
		c.metrics.EventsDropped.WithLabelValues("busy").Inc()
		return fmt.Errorf("applying %s: %w", event.Label, ErrBusy)
	}

	c.setBusy(true)
	start := time.Now()
	err := move(ctx, actuator)
	c.metrics.MotionDuration.Observe(time.Since(start).Seconds())

	label := event.Label
	if err != nil {
		label = ""
	}
	c.settle(actuator, label)
	c.motionMu.Unlock()

	c.notify()

	if err != nil {
		err = notReady(err)
		if errors.Is(err, ErrActuatorNotReady) {
			c.metrics.EventsDropped.WithLabelValues("not_ready").Inc()
		}
		return fmt.Errorf("applying %s: %w", event.Label, err)
	}

	c.metrics.CommandsApplied.WithLabelValues(event.Label).Inc()
	c.record(ctx, event)
	return nil
}

// Reset clears the trail and returns the turtle to the center and initial
// heading. It waits for an in-flight motion rather than dropping the request
// and leaves the listening state alone.
func (c *Controller) Reset(ctx context.Context) error {
	actuator := c.getActuator()
	if actuator == nil {
		return fmt.Errorf("resetting: %w", ErrActuatorNotReady)
	}

	c.motionMu.Lock()
	c.setBusy(true)
	err := c.resetActuator(ctx, actuator)
	c.settle(actuator, "")
	c.motionMu.Unlock()

	c.notify()

	if err != nil {
		return fmt.Errorf("resetting: %w", notReady(err))
	}
	return nil
}

// notReady reports an actuator that was attached before it was started as
// not ready.
func notReady(err error) error {
	if errors.Is(err, turtle.ErrNotStarted) && !errors.Is(err, ErrActuatorNotReady) {
		return fmt.Errorf("%w: %w", ErrActuatorNotReady, err)
	}
	return err
}

func (c *Controller) resetActuator(ctx context.Context, actuator turtle.Actuator) error {
	if err := actuator.Clear(ctx); err != nil {
		return fmt.Errorf("clearing: %w", err)
	}
	if err := actuator.SetPosition(ctx, c.center.X, c.center.Y); err != nil {
		return fmt.Errorf("centering: %w", err)
	}
	if delta := turtle.NormalizeHeading(actuator.Heading() - c.initialHeading); delta != 0 {
		if err := actuator.Left(ctx, delta); err != nil {
			return fmt.Errorf("restoring heading: %w", err)
		}
	}
	return nil
}

func (c *Controller) setBusy(busy bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state.Busy = busy
}

// settle copies the pose reported by the actuator into the state in one
// step. An empty label keeps the current one; the label is only shown while
// listening.
func (c *Controller) settle(actuator turtle.Actuator, label string) {
	position, heading := actuator.Position(), actuator.Heading()

	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.state.Position = position
	c.state.Heading = heading
	c.state.Busy = false
	if label != "" && c.state.Listening {
		c.state.Label = label
	}
}

func (c *Controller) record(ctx context.Context, event commands.Event) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordCommand(ctx, c.session.ID.String(), event, c.Snapshot()); err != nil {
		utils.GetLogFromContext(ctx, c.log).Warn("failed to journal command", zap.Error(err))
	}
}

// Close stops listening if needed and releases the classifier.
func (c *Controller) Close(ctx context.Context) error {
	err := c.StopListening(ctx)
	if err != nil && !errors.Is(err, ErrAlreadyIdle) {
		return err
	}
	return c.session.Teardown()
}
