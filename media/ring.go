package media

import "math"

// Window keeps the most recent samples of a stream, used to build
// overlapping analysis windows.
type Window struct {
	buffer []int16
	head   int
	filled int
}

func NewWindow(size int) *Window {
	return &Window{
		buffer: make([]int16, size),
	}
}

func (w *Window) Add(samples []int16) {
	for _, s := range samples {
		w.buffer[w.head] = s
		w.head = (w.head + 1) % len(w.buffer)
	}
	w.filled = min(w.filled+len(samples), len(w.buffer))
}

// Full reports whether the window has seen at least its size in samples.
func (w *Window) Full() bool {
	return w.filled == len(w.buffer)
}

// Read returns the window contents, oldest sample first.
func (w *Window) Read() []int16 {
	samples := make([]int16, len(w.buffer))
	for i := 0; i < len(w.buffer); i++ {
		samples[i] = w.buffer[(w.head+i)%len(w.buffer)]
	}
	return samples
}

func (w *Window) Reset() {
	clear(w.buffer)
	w.head = 0
	w.filled = 0
}

// HopSize is the number of new samples between two windows of size that
// share overlap of their samples.
func HopSize(size int, overlap float64) int {
	if overlap < 0 {
		overlap = 0
	}
	hop := int(math.Round(float64(size) * (1 - overlap)))
	if hop < 1 {
		hop = 1
	}
	if hop > size {
		hop = size
	}
	return hop
}
