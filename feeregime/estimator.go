// Package feeregime classifies the fee market from a live stream of block
// events.
//
// The Estimator is single-writer: one goroutine feeds Observe while any
// number of goroutines read Current. Snapshots are immutable and published by
// atomic pointer replacement, so readers never see a partially updated view
// and never take a lock.
package feeregime

import (
	"math"
	"sync/atomic"

	"go.uber.org/zap"
)

// Classification of the current fee market.
type Classification uint8

const (
	Normal Classification = iota
	Elevated
	Spike
)

func (c Classification) String() string {
	switch c {
	case Normal:
		return "normal"
	case Elevated:
		return "elevated"
	case Spike:
		return "spike"
	default:
		return "unknown"
	}
}

// Trend is the short-horizon direction of the base fee.
type Trend int8

const (
	TrendFalling Trend = -1
	TrendFlat    Trend = 0
	TrendRising  Trend = 1
)

func (t Trend) String() string {
	switch t {
	case TrendFalling:
		return "falling"
	case TrendRising:
		return "rising"
	default:
		return "flat"
	}
}

// BlockEvent is one observation from the chain event stream.
type BlockEvent struct {
	Number   uint64
	BaseFee  uint64
	Fullness float64 // gas used / gas limit, in [0, 1]
}

// Snapshot is an immutable point-in-time summary of the fee market. Snapshots
// are stamped with the block number so consumers can detect staleness; block
// numbers are monotonic across published snapshots.
type Snapshot struct {
	Block      uint64
	BaseFee    uint64
	EWMA       float64
	Trend      Trend
	Volatility float64
	Fullness   float64 // smoothed block fullness
	Class      Classification
}

// Config holds the estimator thresholds. All of these are policy knobs, not
// hardcoded behavior.
type Config struct {
	WindowSize          int     // ring buffer of recent base fees
	SpikeMultiplier     float64 // base fee above SpikeMultiplier*EWMA is a spike
	ElevatedMultiplier  float64
	VolatilityThreshold float64
	Alpha               float64 // EWMA smoothing factor in (0, 1]
}

// DefaultConfig is tuned for short-horizon responsiveness, not forecasting.
func DefaultConfig() Config {
	return Config{
		WindowSize:          12,
		SpikeMultiplier:     2.0,
		ElevatedMultiplier:  1.3,
		VolatilityThreshold: 0.5,
		Alpha:               0.3,
	}
}

// trendEpsilon is the relative EWMA movement below which the trend is flat.
const trendEpsilon = 0.001

type Estimator struct {
	log *zap.Logger
	cfg Config

	// ring buffer of recent base fees with running sums, so Observe stays O(1)
	fees   []float64
	head   int
	filled int
	sum    float64
	sumSq  float64

	lastBlock uint64
	lastFee   uint64
	ewma      float64
	prevEWMA  float64
	fullness  float64
	seeded    bool

	snapshot atomic.Pointer[Snapshot]
}

func NewEstimator(log *zap.Logger, cfg Config) *Estimator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultConfig().Alpha
	}
	e := &Estimator{
		log:  log.Named("feeregime"),
		cfg:  cfg,
		fees: make([]float64, cfg.WindowSize),
	}
	e.snapshot.Store(&Snapshot{Class: Normal})
	return e
}

// Observe feeds one block event. Must be called from a single goroutine.
// Regressive block numbers are treated as stream corruption: logged and
// ignored rather than fatal, a misbehaving feed must not take the scheduler
// down.
func (e *Estimator) Observe(ev BlockEvent) {
	if e.seeded && ev.Number <= e.lastBlock {
		e.log.Warn("ignoring regressive block event",
			zap.Uint64("block", ev.Number),
			zap.Uint64("last_block", e.lastBlock))
		return
	}

	if !e.seeded {
		e.seeded = true
		e.ewma = float64(ev.BaseFee)
		e.prevEWMA = e.ewma
		e.fullness = ev.Fullness
	} else {
		e.prevEWMA = e.ewma
		e.ewma = e.cfg.Alpha*float64(ev.BaseFee) + (1-e.cfg.Alpha)*e.ewma
		e.fullness = e.cfg.Alpha*ev.Fullness + (1-e.cfg.Alpha)*e.fullness
	}

	fee := float64(ev.BaseFee)
	old := e.fees[e.head]
	e.fees[e.head] = fee
	e.head = (e.head + 1) % len(e.fees)
	if e.filled < len(e.fees) {
		e.filled++
	} else {
		e.sum -= old
		e.sumSq -= old * old
	}
	e.sum += fee
	e.sumSq += fee * fee

	e.lastBlock = ev.Number
	e.lastFee = ev.BaseFee

	e.snapshot.Store(e.summarize())
}

func (e *Estimator) summarize() *Snapshot {
	vol := e.volatility()
	s := &Snapshot{
		Block:      e.lastBlock,
		BaseFee:    e.lastFee,
		EWMA:       e.ewma,
		Trend:      e.trend(),
		Volatility: vol,
		Fullness:   e.fullness,
	}

	// Volatility dominates when it disagrees with the level: a quiet mean
	// with violent swings still escalates the classification.
	switch {
	case float64(e.lastFee) > e.cfg.SpikeMultiplier*e.ewma || vol > e.cfg.VolatilityThreshold:
		s.Class = Spike
	case float64(e.lastFee) > e.cfg.ElevatedMultiplier*e.ewma:
		s.Class = Elevated
	default:
		s.Class = Normal
	}
	return s
}

func (e *Estimator) trend() Trend {
	d := e.ewma - e.prevEWMA
	if math.Abs(d) <= trendEpsilon*math.Max(e.ewma, 1) {
		return TrendFlat
	}
	if d > 0 {
		return TrendRising
	}
	return TrendFalling
}

// volatility is stddev of the base fees in the window relative to the
// smoothed level, so the threshold is unit free. A fee series that jumped
// recently stays volatile until the jump leaves the window, which keeps the
// classification escalated through a spike rather than only at its edge.
func (e *Estimator) volatility() float64 {
	if e.filled < 2 || e.ewma == 0 {
		return 0
	}
	n := float64(e.filled)
	mean := e.sum / n
	variance := e.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance) / e.ewma
}

// Current returns the latest snapshot. O(1), lock free, never nil.
func (e *Estimator) Current() *Snapshot {
	return e.snapshot.Load()
}
