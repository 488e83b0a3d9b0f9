package turtle

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/vector"
)

var (
	BackgroundColor = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	TrailColor      = color.RGBA{R: 0x00, G: 0x00, B: 0x00, A: 0xff}
	TurtleColor     = color.RGBA{R: 0x4c, G: 0xaf, B: 0x50, A: 0xff}
)

const markerSize = 10

// Render rasterizes the trail and the turtle marker.
func (c *Canvas) Render() *image.RGBA {
	c.mu.RLock()
	trail := make([]Segment, len(c.trail))
	copy(trail, c.trail)
	position, heading, started := c.position, c.heading, c.started
	c.mu.RUnlock()

	bounds := image.Rect(0, 0, c.width, c.height)
	img := image.NewRGBA(bounds)
	draw.Draw(img, bounds, image.NewUniform(BackgroundColor), image.Point{}, draw.Src)

	z := vector.NewRasterizer(c.width, c.height)
	trailSrc := image.NewUniform(TrailColor)
	for _, s := range trail {
		if !strokeSegment(z, s, c.lineWidth) {
			continue
		}
		z.Draw(img, bounds, trailSrc, image.Point{})
		z.Reset(c.width, c.height)
	}

	if started {
		fillMarker(z, position, heading)
		z.Draw(img, bounds, image.NewUniform(TurtleColor), image.Point{})
	}

	return img
}

func (c *Canvas) EncodePNG(w io.Writer) error {
	if err := png.Encode(w, c.Render()); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}
	return nil
}

// strokeSegment adds a rectangle of the given width around s. Zero length
// segments are skipped.
func strokeSegment(z *vector.Rasterizer, s Segment, width float64) bool {
	dx, dy := s.To.X-s.From.X, s.To.Y-s.From.Y
	length := math.Hypot(dx, dy)
	if length == 0 {
		return false
	}

	nx, ny := -dy/length*width/2, dx/length*width/2

	z.MoveTo(float32(s.From.X+nx), float32(s.From.Y+ny))
	z.LineTo(float32(s.To.X+nx), float32(s.To.Y+ny))
	z.LineTo(float32(s.To.X-nx), float32(s.To.Y-ny))
	z.LineTo(float32(s.From.X-nx), float32(s.From.Y-ny))
	z.ClosePath()
	return true
}

func fillMarker(z *vector.Rasterizer, p Point, heading float64) {
	rad := heading * math.Pi / 180
	corner := func(angle, r float64) (float32, float32) {
		return float32(p.X + r*math.Cos(rad+angle)), float32(p.Y + r*math.Sin(rad+angle))
	}

	z.MoveTo(corner(0, markerSize))
	z.LineTo(corner(2.5, markerSize*0.7))
	z.LineTo(corner(-2.5, markerSize*0.7))
	z.ClosePath()
}
