package aidledger

import (
	"sync/atomic"
	"time"
)

// Clock is the host's logical clock. Its value is recorded on every
// commitment at creation and at each status update.
type Clock interface {
	Height() uint64
}

// FixedClock always reports the same height.
type FixedClock uint64

// Height implements Clock.
func (c FixedClock) Height() uint64 { return uint64(c) }

// UnixClock reports wall-clock seconds since the Unix epoch.
type UnixClock struct{}

// Height implements Clock.
func (UnixClock) Height() uint64 { return uint64(time.Now().Unix()) }

// HeightClock is a manually advanced clock, in the manner of a block height.
type HeightClock struct{ h atomic.Uint64 }

// NewHeightClock returns a clock starting at h.
func NewHeightClock(h uint64) *HeightClock {
	c := &HeightClock{}
	c.h.Store(h)
	return c
}

// Height implements Clock.
func (c *HeightClock) Height() uint64 { return c.h.Load() }

// Advance moves the clock forward by n and returns the new height.
func (c *HeightClock) Advance(n uint64) uint64 { return c.h.Add(n) }
