// Package meter keeps smoothed scalar statistics for progress logging.
package meter

import (
	"gonum.org/v1/gonum/stat"
)

// MovingAverage holds the most recent observations, up to its capacity, and
// reports their mean and standard deviation. It is meant for human readable
// logs only; nothing in training branches on it.
type MovingAverage struct {
	buf   []float64
	next  int
	count int
}

func New(capacity int) *MovingAverage {
	if capacity < 1 {
		capacity = 1
	}
	return &MovingAverage{buf: make([]float64, capacity)}
}

// Add records v, evicting the oldest observation once the window is full.
func (m *MovingAverage) Add(v float64) {
	m.buf[m.next] = v
	m.next = (m.next + 1) % len(m.buf)
	if m.count < len(m.buf) {
		m.count++
	}
}

// Value returns the mean and the sample standard deviation of the window.
// An empty window reports zeros.
func (m *MovingAverage) Value() (mean, std float64) {
	if m.count == 0 {
		return 0, 0
	}
	window := m.window()
	mean = stat.Mean(window, nil)
	if len(window) > 1 {
		std = stat.StdDev(window, nil)
	}
	return mean, std
}

func (m *MovingAverage) Mean() float64 {
	mean, _ := m.Value()
	return mean
}

func (m *MovingAverage) Len() int {
	return m.count
}

func (m *MovingAverage) Cap() int {
	return len(m.buf)
}

// window returns the live observations, oldest first.
func (m *MovingAverage) window() []float64 {
	if m.count < len(m.buf) {
		return m.buf[:m.count]
	}
	out := make([]float64, 0, len(m.buf))
	out = append(out, m.buf[m.next:]...)
	return append(out, m.buf[:m.next]...)
}
