package turtle

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

var ErrNotStarted = errors.New("turtle not started")

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Segment struct {
	From Point `json:"from"`
	To   Point `json:"to"`
}

// Actuator is a turtle that draws its trail while moving. Motions may take
// time to complete and must not be issued concurrently.
type Actuator interface {
	Forward(ctx context.Context, distance float64) error
	Back(ctx context.Context, distance float64) error
	Left(ctx context.Context, degrees float64) error
	Right(ctx context.Context, degrees float64) error
	SetPosition(ctx context.Context, x, y float64) error
	Clear(ctx context.Context) error

	Position() Point
	Heading() float64
}

type Options struct {
	// AutoStart puts the turtle at the canvas center, ready to move.
	AutoStart bool
	// Async animates each motion over the configured motion duration.
	Async bool
}

type CanvasOption func(*Canvas)

// WithMotionDuration sets how long an animated motion takes.
func WithMotionDuration(d time.Duration) CanvasOption {
	return func(c *Canvas) {
		c.motionDuration = d
	}
}

func WithLineWidth(width float64) CanvasOption {
	return func(c *Canvas) {
		c.lineWidth = width
	}
}

const (
	DefaultWidth     = 500
	DefaultHeight    = 500
	DefaultLineWidth = 2
)

// Canvas is an in-memory turtle. Heading 0 points along +x and right turns
// are clockwise on screen, where y grows downwards.
type Canvas struct {
	width, height int

	async          bool
	motionDuration time.Duration
	lineWidth      float64

	mu       sync.RWMutex
	started  bool
	position Point
	heading  float64
	trail    []Segment
}

var _ Actuator = (*Canvas)(nil)

func NewCanvas(width, height int, options Options, extraOptions ...CanvasOption) *Canvas {
	c := &Canvas{
		width:     width,
		height:    height,
		async:     options.Async,
		lineWidth: DefaultLineWidth,
	}
	for _, option := range extraOptions {
		option(c)
	}

	if options.AutoStart {
		c.Start()
	}

	return c
}

// Start places the turtle at the center facing heading 0.
func (c *Canvas) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.started = true
	c.position = c.center()
	c.heading = 0
}

func (c *Canvas) center() Point {
	return Point{X: float64(c.width) / 2, Y: float64(c.height) / 2}
}

func (c *Canvas) Center() Point {
	return c.center()
}

func (c *Canvas) Size() (int, int) {
	return c.width, c.height
}

func (c *Canvas) Forward(ctx context.Context, distance float64) error {
	return c.move(ctx, distance)
}

func (c *Canvas) Back(ctx context.Context, distance float64) error {
	return c.move(ctx, -distance)
}

func (c *Canvas) Left(ctx context.Context, degrees float64) error {
	return c.turn(ctx, -degrees)
}

func (c *Canvas) Right(ctx context.Context, degrees float64) error {
	return c.turn(ctx, degrees)
}

// SetPosition moves the turtle without drawing.
func (c *Canvas) SetPosition(ctx context.Context, x, y float64) error {
	if err := c.animate(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	c.position = Point{X: x, Y: y}
	return nil
}

// Clear erases the trail, leaving position and heading as they are.
func (c *Canvas) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	c.trail = nil
	return nil
}

func (c *Canvas) Position() Point {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.position
}

func (c *Canvas) Heading() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heading
}

// Trail returns a copy of the segments drawn since the last Clear.
func (c *Canvas) Trail() []Segment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Segment, len(c.trail))
	copy(out, c.trail)
	return out
}

func (c *Canvas) move(ctx context.Context, distance float64) error {
	if err := c.animate(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}

	rad := c.heading * math.Pi / 180
	from := c.position
	to := Point{
		X: round(from.X + distance*math.Cos(rad)),
		Y: round(from.Y + distance*math.Sin(rad)),
	}
	c.trail = append(c.trail, Segment{From: from, To: to})
	c.position = to
	return nil
}

func (c *Canvas) turn(ctx context.Context, degrees float64) error {
	if err := c.animate(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	c.heading = NormalizeHeading(c.heading + degrees)
	return nil
}

// animate waits out the motion duration outside the lock so readers keep
// seeing the pre-motion state until the motion lands.
func (c *Canvas) animate(ctx context.Context) error {
	if !c.async || c.motionDuration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(c.motionDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NormalizeHeading maps degrees into [0, 360).
func NormalizeHeading(degrees float64) float64 {
	h := math.Mod(degrees, 360)
	if h < 0 {
		h += 360
	}
	h = round(h)
	if h >= 360 {
		h = 0
	}
	return h
}

// round drops floating point noise from trigonometry so that axis-aligned
// moves land on whole coordinates.
func round(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
