package feeregime

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Mode is the process-wide operating mode derived from regime history.
type Mode int32

const (
	// CostOptimal optimizes total fee spend, deferring when waiting is
	// expected to be cheaper.
	CostOptimal Mode = iota
	// InclusionFirst skips cost optimization during fee spikes and pays
	// whatever recent blocks suggest is needed for next-block inclusion.
	InclusionFirst
)

func (m Mode) String() string {
	if m == InclusionFirst {
		return "inclusion-first"
	}
	return "cost-optimal"
}

// Controller debounces regime classifications into an operating mode.
// A single spike-classified block never flips the mode: without debouncing,
// single-block noise would thrash the mode and apply inconsistent fee policy
// across near-simultaneous decisions.
//
// Observe must be called from a single goroutine; Mode is safe to read from
// anywhere.
type Controller struct {
	log             *zap.Logger
	spikeConfirm    int
	recoveryConfirm int

	mode     atomic.Int32
	spikeRun int
	calmRun  int
}

func NewController(log *zap.Logger, spikeConfirm, recoveryConfirm int) *Controller {
	if spikeConfirm < 1 {
		spikeConfirm = 1
	}
	if recoveryConfirm < 1 {
		recoveryConfirm = 1
	}
	return &Controller{
		log:             log.Named("mode"),
		spikeConfirm:    spikeConfirm,
		recoveryConfirm: recoveryConfirm,
	}
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// Observe feeds the latest snapshot and returns the mode after the
// observation together with whether this observation flipped it.
func (c *Controller) Observe(s *Snapshot) (Mode, bool) {
	if s.Class == Spike {
		c.spikeRun++
		c.calmRun = 0
	} else {
		c.calmRun++
		c.spikeRun = 0
	}

	mode := c.Mode()
	switch mode {
	case CostOptimal:
		if c.spikeRun >= c.spikeConfirm {
			c.mode.Store(int32(InclusionFirst))
			c.log.Info("entering inclusion-first mode",
				zap.Uint64("block", s.Block),
				zap.Int("consecutive_spikes", c.spikeRun),
				zap.Float64("volatility", s.Volatility))
			return InclusionFirst, true
		}
	case InclusionFirst:
		if c.calmRun >= c.recoveryConfirm {
			c.mode.Store(int32(CostOptimal))
			c.log.Info("recovered to cost-optimal mode",
				zap.Uint64("block", s.Block),
				zap.Int("calm_observations", c.calmRun))
			return CostOptimal, true
		}
	}
	return mode, false
}
