package txsched

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/gassaver/scheduler-node/feeregime"
	"github.com/gassaver/scheduler-node/metrics"
	"github.com/gassaver/scheduler-node/noncetrack"
	"github.com/gassaver/scheduler-node/ratelimit"
)

const (
	// assumed block cadence, used to judge whether a deadline allows
	// waiting one more block
	blockTime = 12 * time.Second

	// terminal records are kept around for status queries before pruning
	terminalRetention = 10 * time.Minute

	// a replacement transaction must bump the previous fee by at least 10%
	// or nodes will not accept it
	repriceBumpPercent = 10

	// protocol-maximum base fee growth per block at full blocks
	maxBaseFeeGrowth = 0.125
)

// Engine owns every ScheduledTransaction and turns market state into
// scheduling decisions. All methods must be called from a single goroutine
// (the coordinator); the nonce tracker and rate limiter it leans on are the
// concurrency-safe pieces.
type Engine struct {
	log         *zap.Logger
	cfg         Config
	nonces      *noncetrack.Tracker
	limiter     *ratelimit.Keyed
	regime      *feeregime.Estimator
	modes       *feeregime.Controller
	endpointKey string

	txs map[common.Hash]*ScheduledTransaction
}

func NewEngine(
	log *zap.Logger, cfg Config,
	nonces *noncetrack.Tracker, limiter *ratelimit.Keyed,
	regime *feeregime.Estimator, modes *feeregime.Controller,
	endpointKey string,
) *Engine {
	return &Engine{
		log:         log.Named("engine"),
		cfg:         cfg,
		nonces:      nonces,
		limiter:     limiter,
		regime:      regime,
		modes:       modes,
		endpointKey: endpointKey,
		txs:         make(map[common.Hash]*ScheduledTransaction),
	}
}

// Accept registers an intent as a pending transaction. Accepting the same
// intent twice returns the existing record.
func (e *Engine) Accept(intent *TransactionIntent, now time.Time) *ScheduledTransaction {
	handle := intent.Handle()
	if tx, ok := e.txs[handle]; ok {
		return tx
	}
	tx := &ScheduledTransaction{
		Handle:     handle,
		Intent:     intent,
		State:      StatePending,
		ReceivedAt: now,
	}
	e.txs[handle] = tx
	return tx
}

// Get returns the live record for a handle.
func (e *Engine) Get(handle common.Hash) (*ScheduledTransaction, bool) {
	tx, ok := e.txs[handle]
	return tx, ok
}

// Len returns the number of tracked transactions, terminal records included.
func (e *Engine) Len() int {
	return len(e.txs)
}

// Cancel drops an intent that has not reached the broadcaster yet. Once
// submitted, the nonce slot is committed externally and cancellation is
// best effort: the intent resolves through its eventual outcome.
func (e *Engine) Cancel(handle common.Hash) error {
	tx, ok := e.txs[handle]
	if !ok {
		return ErrUnknownIntent
	}
	switch tx.State {
	case StatePending, StateScheduled:
		e.releaseNonce(tx)
		delete(e.txs, handle)
		return nil
	default:
		return ErrIntentNotCancellable
	}
}

// HandleOutcome applies a broadcaster report. The returned record reflects
// the post-outcome state.
func (e *Engine) HandleOutcome(o Outcome, now time.Time) (*ScheduledTransaction, error) {
	tx, ok := e.txs[o.Handle]
	if !ok {
		return nil, ErrUnknownIntent
	}
	tx.LastDecisionAt = now

	switch o.Kind {
	case OutcomeIncluded:
		if tx.NonceAllocated {
			if err := e.nonces.Confirm(tx.Intent.From, tx.Nonce); err != nil {
				// collaborator violated the confirm precondition;
				// surface loudly, do not mask
				metrics.IncNonceStateErrors()
				e.log.Error("nonce confirm failed",
					zap.String("handle", tx.Handle.Hex()),
					zap.Uint64("nonce", tx.Nonce),
					zap.Error(err))
			}
		}
		tx.State = StateIncluded
		tx.IncludedBlock = o.Block

	case OutcomeFailed:
		tx.FailReason = o.Reason
		broadcast := tx.Broadcast || o.Broadcast
		if !broadcast {
			e.releaseNonce(tx)
			if tx.Intent.AllowRetry {
				tx.State = StatePending
				tx.Fee = FeeParams{}
				tx.needsReprice = false
				return tx, nil
			}
		}
		tx.State = StateFailed

	case OutcomeStaleNeedsReprice:
		if tx.State != StateSubmitted && tx.State != StateRepriced {
			return tx, ErrInvalidOutcome
		}
		tx.State = StateRepriced
		tx.needsReprice = true

	default:
		return tx, ErrInvalidOutcome
	}
	return tx, nil
}

// OnSubmitResult records whether the broadcaster accepted a dispatched
// submission.
func (e *Engine) OnSubmitResult(handle common.Hash, now time.Time, submitErr error) (*ScheduledTransaction, error) {
	tx, ok := e.txs[handle]
	if !ok {
		return nil, ErrUnknownIntent
	}
	tx.LastDecisionAt = now

	if submitErr == nil {
		tx.State = StateSubmitted
		tx.Broadcast = true
		tx.SubmitCount++
		tx.needsReprice = false
		return tx, nil
	}

	if tx.Broadcast {
		// a failed replacement leaves the original submission standing;
		// the cooldown will retry with a larger bump
		tx.State = StateRepriced
		tx.needsReprice = true
		return tx, nil
	}

	e.releaseNonce(tx)
	if tx.Intent.AllowRetry {
		tx.State = StatePending
		tx.Fee = FeeParams{}
		return tx, nil
	}
	tx.State = StateFailed
	tx.FailReason = submitErr.Error()
	return tx, nil
}

// Evaluate reconsiders every live transaction against the current snapshot
// and mode. Called on new blocks, on timer ticks and after intake.
func (e *Engine) Evaluate(now time.Time, currentBlock uint64) []Decision {
	snap := e.regime.Current()
	mode := e.modes.Mode()

	var decisions []Decision
	for _, tx := range e.txs {
		switch {
		case tx.State.Terminal():
			if now.Sub(tx.LastDecisionAt) > terminalRetention {
				delete(e.txs, tx.Handle)
			}
		case e.expired(tx, now):
			decisions = append(decisions, e.expire(tx, now))
		case tx.State == StatePending || tx.State == StateScheduled:
			if currentBlock < tx.NextEligibleBlock {
				continue
			}
			if d, ok := e.decideSubmission(tx, snap, mode, now, currentBlock); ok {
				decisions = append(decisions, d)
			}
		case tx.State == StateSubmitted || tx.State == StateRepriced:
			if d, ok := e.decideReprice(tx, snap, mode, now); ok {
				decisions = append(decisions, d)
			}
		}
	}
	return decisions
}

func (e *Engine) expired(tx *ScheduledTransaction, now time.Time) bool {
	if tx.Intent.Deadline == 0 {
		return false
	}
	if tx.State != StatePending && tx.State != StateScheduled {
		return false
	}
	return now.Unix() >= int64(tx.Intent.Deadline)
}

func (e *Engine) expire(tx *ScheduledTransaction, now time.Time) Decision {
	e.releaseNonce(tx)
	tx.State = StateExpired
	tx.LastDecisionAt = now
	return Decision{
		Kind:   DecisionExpire,
		Handle: tx.Handle,
		Reason: "deadline passed",
	}
}

// decideSubmission runs the submit/defer tradeoff for a pending or scheduled
// transaction.
func (e *Engine) decideSubmission(
	tx *ScheduledTransaction, snap *feeregime.Snapshot, mode feeregime.Mode,
	now time.Time, currentBlock uint64,
) (Decision, bool) {
	feeCap := uint64(tx.Intent.MaxFeePerGas)
	fee, kind, degraded := e.targetFee(tx, snap, mode, feeCap, now)

	if kind == DecisionDefer {
		tx.NextEligibleBlock = currentBlock + 1
		tx.LastDecisionAt = now
		return Decision{
			Kind:   DecisionDefer,
			Handle: tx.Handle,
			Reason: "fee above cap, market trending down",
		}, true
	}

	if !e.limiter.TryAcquire(e.endpointKey, 1) {
		metrics.IncRateLimitRejections()
		tx.NextEligibleBlock = currentBlock + e.cfg.DeferBackoffBlocks
		tx.LastDecisionAt = now
		return Decision{
			Kind:   DecisionDefer,
			Handle: tx.Handle,
			Reason: "rate limited",
		}, true
	}

	if !tx.NonceAllocated {
		tx.Nonce = e.nonces.Allocate(tx.Intent.From)
		tx.NonceAllocated = true
	}
	tx.State = StateScheduled
	tx.Fee = fee
	tx.Degraded = degraded
	tx.LastDecisionAt = now
	tx.LastPricedAt = now

	if degraded {
		e.log.Warn("cap below required fee, submitting best effort",
			zap.String("handle", tx.Handle.Hex()),
			zap.Uint64("cap", feeCap),
			zap.Uint64("base_fee", snap.BaseFee),
			zap.String("mode", mode.String()))
	}
	return Decision{
		Kind:     kind,
		Handle:   tx.Handle,
		Nonce:    tx.Nonce,
		Fee:      fee,
		Degraded: degraded,
	}, true
}

// targetFee computes the fee for the current mode. The returned kind is
// DecisionSubmit, DecisionSubmitAtCap or DecisionDefer.
func (e *Engine) targetFee(
	tx *ScheduledTransaction, snap *feeregime.Snapshot, mode feeregime.Mode, feeCap uint64, now time.Time,
) (FeeParams, DecisionKind, bool) {
	margin := e.cfg.PriorityMargin
	if tx.Intent.HighPriority {
		margin *= 2
	}

	if mode == feeregime.InclusionFirst {
		required := e.inclusionFee(snap, margin)
		if required <= feeCap {
			return FeeParams{MaxFeePerGas: required, PriorityFeePerGas: 2 * margin}, DecisionSubmit, false
		}
		// never silently exceed the caller's cap: best effort at the
		// cap with degraded confidence
		return feeAtCap(feeCap, snap.BaseFee), DecisionSubmitAtCap, true
	}

	if snap.Trend == feeregime.TrendRising {
		margin *= 2
	}
	target := snap.BaseFee + margin
	if target <= feeCap {
		return FeeParams{MaxFeePerGas: target, PriorityFeePerGas: margin}, DecisionSubmit, false
	}
	if snap.Trend == feeregime.TrendFalling && e.deadlineAllowsWait(tx, now) {
		return FeeParams{}, DecisionDefer, false
	}
	return feeAtCap(feeCap, snap.BaseFee), DecisionSubmitAtCap, false
}

// inclusionFee estimates the fee empirically sufficient for near-certain
// next-block inclusion: the worst-case base fee growth scaled by how full
// recent blocks were, plus a doubled priority component.
func (e *Engine) inclusionFee(snap *feeregime.Snapshot, margin uint64) uint64 {
	grown := float64(snap.BaseFee) * (1 + maxBaseFeeGrowth*snap.Fullness)
	return uint64(grown) + 1 + 2*margin
}

func feeAtCap(feeCap, baseFee uint64) FeeParams {
	tip := uint64(0)
	if feeCap > baseFee {
		tip = feeCap - baseFee
	}
	return FeeParams{MaxFeePerGas: feeCap, PriorityFeePerGas: tip}
}

func (e *Engine) deadlineAllowsWait(tx *ScheduledTransaction, now time.Time) bool {
	if tx.Intent.Deadline == 0 {
		return true
	}
	deadline := time.Unix(int64(tx.Intent.Deadline), 0)
	return deadline.Sub(now) > blockTime
}

// decideReprice recomputes the fee for a stuck submission on the same nonce.
func (e *Engine) decideReprice(
	tx *ScheduledTransaction, snap *feeregime.Snapshot, mode feeregime.Mode, now time.Time,
) (Decision, bool) {
	// a newer snapshot outbidding the submission counts as stuck even
	// without a broadcaster report
	if !tx.needsReprice && snap.BaseFee <= tx.Fee.MaxFeePerGas {
		return Decision{}, false
	}
	if now.Sub(tx.LastPricedAt) < e.cfg.RepriceCooldown {
		return Decision{}, false
	}
	if tx.RepriceCount >= e.cfg.MaxRepriceAttempts {
		tx.State = StateFailed
		tx.FailReason = "reprice attempts exhausted"
		tx.LastDecisionAt = now
		return Decision{
			Kind:   DecisionFail,
			Handle: tx.Handle,
			Reason: tx.FailReason,
		}, true
	}

	feeCap := uint64(tx.Intent.MaxFeePerGas)
	target, _, degraded := e.targetFee(tx, snap, mode, feeCap, now)
	minBump := tx.Fee.MaxFeePerGas + tx.Fee.MaxFeePerGas*repriceBumpPercent/100
	newMax := target.MaxFeePerGas
	if newMax < minBump {
		newMax = minBump
	}
	if newMax > feeCap {
		newMax = feeCap
		degraded = true
	}
	if newMax <= tx.Fee.MaxFeePerGas {
		// already at the cap, nothing left to bump with
		return Decision{}, false
	}

	if !e.limiter.TryAcquire(e.endpointKey, 1) {
		metrics.IncRateLimitRejections()
		return Decision{}, false
	}

	tip := target.PriorityFeePerGas
	if tip > newMax {
		tip = newMax
	}
	tx.Fee = FeeParams{MaxFeePerGas: newMax, PriorityFeePerGas: tip}
	tx.Degraded = degraded
	tx.RepriceCount++
	tx.State = StateRepriced
	tx.needsReprice = false
	tx.LastPricedAt = now
	tx.LastDecisionAt = now

	return Decision{
		Kind:     DecisionReprice,
		Handle:   tx.Handle,
		Nonce:    tx.Nonce,
		Fee:      tx.Fee,
		Degraded: degraded,
	}, true
}

func (e *Engine) releaseNonce(tx *ScheduledTransaction) {
	if !tx.NonceAllocated || tx.Broadcast {
		return
	}
	if err := e.nonces.Release(tx.Intent.From, tx.Nonce); err != nil {
		metrics.IncNonceStateErrors()
		e.log.Error("nonce release failed",
			zap.String("handle", tx.Handle.Hex()),
			zap.Uint64("nonce", tx.Nonce),
			zap.Error(err))
	}
	tx.NonceAllocated = false
}
