package commands

import (
	"errors"
	"fmt"
	"math"
)

// Command labels understood by the turtle.
const (
	LabelRight = "right"
	LabelLeft  = "left"
	LabelGo    = "go"
	// LabelNo retreats the turtle. It has a motion but is not in the default
	// allow-list.
	LabelNo = "no"
)

var ErrInvalidInput = errors.New("invalid decoder input")

// Vocabulary is the ordered list of labels a classifier scores, fixed once the
// model is loaded.
type Vocabulary []string

// ScoreVector holds one score per Vocabulary entry for a single audio frame.
type ScoreVector []float64

// Event is the decoded result of one frame. The zero Event means no actionable
// command was heard.
type Event struct {
	Label string

	// Score and Frame are informational only
	Score float64
	Frame uint64
}

func (e Event) IsNone() bool {
	return e.Label == ""
}

func (e Event) String() string {
	if e.IsNone() {
		return "none"
	}
	return e.Label
}

// AllowList is the set of labels that may reach the actuator.
type AllowList map[string]struct{}

func NewAllowList(labels ...string) AllowList {
	a := make(AllowList, len(labels))
	for _, l := range labels {
		a[l] = struct{}{}
	}
	return a
}

func DefaultAllowList() AllowList {
	return NewAllowList(LabelRight, LabelLeft, LabelGo)
}

// With returns a copy of a that also allows labels.
func (a AllowList) With(labels ...string) AllowList {
	out := make(AllowList, len(a)+len(labels))
	for l := range a {
		out[l] = struct{}{}
	}
	for _, l := range labels {
		out[l] = struct{}{}
	}
	return out
}

func (a AllowList) Allows(label string) bool {
	_, ok := a[label]
	return ok
}

// Decode reduces a frame's scores to at most one allowed command.
//
// The highest score wins, and on a tie the lowest index is kept. A winning
// label outside allowed yields the none Event.
func Decode(scores ScoreVector, vocabulary Vocabulary, allowed AllowList) (Event, error) {
	if len(vocabulary) == 0 {
		return Event{}, fmt.Errorf("%w: empty vocabulary", ErrInvalidInput)
	}
	if len(scores) != len(vocabulary) {
		return Event{}, fmt.Errorf("%w: %d scores for %d labels", ErrInvalidInput, len(scores), len(vocabulary))
	}

	best := ArgMax(scores)
	label := vocabulary[best]
	if !allowed.Allows(label) {
		return Event{}, nil
	}

	return Event{
		Label: label,
		Score: scores[best],
	}, nil
}

// ArgMax returns the index of the first maximum in scores, or -1 if scores is
// empty. NaN scores only win when every score is NaN.
func ArgMax(scores ScoreVector) int {
	if len(scores) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] || (math.IsNaN(scores[best]) && !math.IsNaN(scores[i])) {
			best = i
		}
	}
	return best
}

// Max returns the highest score, or 0 for an empty vector.
func (s ScoreVector) Max() float64 {
	i := ArgMax(s)
	if i < 0 {
		return 0
	}
	return s[i]
}
