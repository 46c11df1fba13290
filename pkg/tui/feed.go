package tui

import (
	"sync/atomic"

	"github.com/teslashibe/go-visualservo/pkg/servo"
)

const defaultFeedSize = 256

// Feed is a servo.Observer that hands samples to the dashboard. OnCycle
// never blocks; samples that do not fit are dropped and counted.
type Feed struct {
	ch      chan servo.Sample
	dropped atomic.Uint64
}

// NewFeed returns a feed buffering up to size samples.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = defaultFeedSize
	}
	return &Feed{ch: make(chan servo.Sample, size)}
}

func (f *Feed) OnCycle(s servo.Sample) {
	select {
	case f.ch <- s:
	default:
		f.dropped.Add(1)
	}
}

// Dropped returns the number of samples lost to a full buffer.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// drain returns every buffered sample without waiting.
func (f *Feed) drain(max int) []servo.Sample {
	var out []servo.Sample
	for len(out) < max {
		select {
		case s := <-f.ch:
			out = append(out, s)
		default:
			return out
		}
	}
	return out
}
