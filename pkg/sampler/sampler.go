// Package sampler implements deterministic counter-based sampling with an
// adaptive rate controller. Sampling is reproducible: the same candidate
// sequence at the same rate always admits the same events.
package sampler

import (
	"math"

	"go.uber.org/atomic"

	"github.com/hindsightlabs/hindsight/pkg/model"
)

const (
	// MinRate is the adaptive floor; the controller never silences
	// collection completely.
	MinRate = 0.1
	MaxRate = 1.0

	// Overhead thresholds steering the adaptive controller, in fractional
	// collection cost (avg per-event ms x events/s / 1000).
	HighOverhead = 0.05
	LowOverhead  = 0.025

	shrinkFactor = 0.8
	growFactor   = 1.1
)

// Sampler admits every Nth candidate where N = ceil(1/rate). Critical
// events bypass sampling entirely and do not advance the counter.
type Sampler struct {
	rate    atomic.Float64
	counter atomic.Uint64
}

// New returns a sampler at the given rate, clamped to (0, 1].
func New(rate float64) *Sampler {
	s := &Sampler{}
	s.SetRate(rate)
	return s
}

// Rate returns the current sampling rate.
func (s *Sampler) Rate() float64 {
	return s.rate.Load()
}

// SetRate clamps and installs a new rate. Zero and negative rates clamp to
// MinRate rather than disabling collection.
func (s *Sampler) SetRate(rate float64) {
	if rate > MaxRate || math.IsNaN(rate) {
		rate = MaxRate
	}
	if rate <= 0 {
		rate = MinRate
	}
	s.rate.Store(rate)
}

// Sample decides whether a candidate event is admitted.
func (s *Sampler) Sample(e *model.Event) bool {
	if e != nil && e.IsCritical() {
		return true
	}

	rate := s.rate.Load()
	if rate >= MaxRate {
		return true
	}

	interval := uint64(math.Ceil(1.0 / rate))
	return s.counter.Inc()%interval == 0
}

// Adjust applies one adaptive control step for the measured overhead and
// returns the rate now in effect. Overhead above HighOverhead shrinks the
// rate by 20% (floor MinRate); below LowOverhead it grows by 10% (cap
// MaxRate); in between the rate is left alone.
func (s *Sampler) Adjust(overhead float64) float64 {
	rate := s.rate.Load()

	switch {
	case overhead > HighOverhead:
		rate *= shrinkFactor
		if rate < MinRate {
			rate = MinRate
		}
	case overhead < LowOverhead:
		rate *= growFactor
		if rate > MaxRate {
			rate = MaxRate
		}
	default:
		return rate
	}

	s.rate.Store(rate)
	return rate
}

// Overhead estimates fractional collection cost from the rolling average
// per-event processing time and the current event throughput.
func Overhead(avgProcessingMs, eventsPerSecond float64) float64 {
	return avgProcessingMs * eventsPerSecond / 1000.0
}
