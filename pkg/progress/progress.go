// Package progress reports the progress of long running procedures as a
// single line that is rewritten in place.
//
// A procedure picks its milestones (iterations, permutations, subjects)
// and calls Show once per milestone. The tracker estimates the remaining
// time from the elapsed time and the fraction completed.
package progress

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"
)

// lineWidth is the width of the box every status line is padded into.
const lineWidth = 80

// Tracker is notified each time a procedure reaches a milestone.
type Tracker interface {
	Show(message string)
}

// Nop is a Tracker that prints nothing.
type Nop struct{}

// Show does nothing.
func (Nop) Show(string) {}

// Bar prints the percentage completed and the estimated remaining time.
// It is safe for concurrent use by several workers.
type Bar struct {
	mu sync.Mutex
	w  io.Writer

	stepSize  float64
	current   float64
	start     time.Time
	remaining time.Duration

	allowMessage bool
	now          func() time.Time
}

// Option configures a Bar.
type Option func(*Bar)

// WithMessages lets callers print an additional message before the status.
func WithMessages() Option {
	return func(b *Bar) { b.allowMessage = true }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bar) { b.now = now }
}

// NewBar creates a bar for a procedure of nSteps milestones and prints
// the initial 0% status line.
func NewBar(nSteps int, w io.Writer, opts ...Option) *Bar {
	if nSteps < 1 {
		nSteps = 1
	}
	b := &Bar{
		w:         w,
		stepSize:  100 / float64(nSteps),
		remaining: time.Duration(math.MaxInt64),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.start = b.now()
	b.print()
	return b
}

// Make returns a tracker for the verbosity level: 0 prints nothing, 1 prints
// the overall status and 2 also prints the messages passed to Show.
// Procedures of a single step never print.
func Make(nSteps, verbosity int, w io.Writer) Tracker {
	if verbosity <= 0 || nSteps <= 1 {
		return Nop{}
	}
	if verbosity >= 2 {
		return NewBar(nSteps, w, WithMessages())
	}
	return NewBar(nSteps, w)
}

// Show records one completed step and prints the updated status.
func (b *Bar) Show(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current += b.stepSize
	elapsed := b.now().Sub(b.start)
	if b.current > 0 {
		total := time.Duration(float64(elapsed) * 100 / b.current)
		b.remaining = total - elapsed
	}

	if message != "" && b.allowMessage {
		fmt.Fprint(b.w, padRight(message))
	}
	b.print()
	if b.current > 100-b.stepSize/2 {
		fmt.Fprintln(b.w)
	}
}

// Percent returns the fraction completed, from 0 to 100.
func (b *Bar) Percent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return math.Min(b.current, 100)
}

// Remaining returns the estimated remaining time.
func (b *Bar) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

func (b *Bar) print() {
	secs := int64(b.remaining / time.Second)
	if b.remaining == time.Duration(math.MaxInt64) {
		secs = math.MaxInt32
	}
	status := fmt.Sprintf("(%0.2f%% completed, %d secs remaining)\r", math.Min(b.current, 100), secs)
	fmt.Fprintf(b.w, "%*s", lineWidth, status)
}

func padRight(s string) string {
	if len(s) >= lineWidth {
		return s
	}
	return s + strings.Repeat(" ", lineWidth-len(s))
}
