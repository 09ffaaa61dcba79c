package txsched

import (
	"context"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/gassaver/scheduler-node/feeregime"
	"github.com/gassaver/scheduler-node/metrics"
	"github.com/gassaver/scheduler-node/noncetrack"
)

const submitTimeout = 5 * time.Second

// Broadcaster signs and broadcasts a fully-decided submission. External
// collaborator; the coordinator never touches keys or wire encoding.
type Broadcaster interface {
	SubmitTransaction(ctx context.Context, req *SubmissionRequest) error
}

// EventBackend receives informational mode and regime change events. May be
// nil; nothing in the core depends on these being consumed.
type EventBackend interface {
	NotifyModeChange(ctx context.Context, ev *ModeChangeEvent) error
	NotifyRegimeChange(ctx context.Context, ev *RegimeChangeEvent) error
}

// HistoryStore persists intent lifecycle history for status queries and
// offline analysis. May be nil; correctness never depends on it.
type HistoryStore interface {
	InsertIntent(ctx context.Context, tx *ScheduledTransaction) error
	UpdateIntentState(ctx context.Context, tx *ScheduledTransaction) error
	InsertDecision(ctx context.Context, d *Decision, at time.Time) error
}

// CancellationMarker marks handles cancelled across scheduler instances.
// May be nil.
type CancellationMarker interface {
	Add(ctx context.Context, handle common.Hash) error
	IsCancelled(ctx context.Context, handle common.Hash) (bool, error)
}

// EthClient is the subset of the chain client the block poller needs.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type intentEnvelope struct {
	intent     *TransactionIntent
	receivedAt time.Time
	// nonceFloor carries the on-chain nonce resolved at intake; zero when
	// the lookup failed or was skipped.
	nonceFloor    uint64
	hasNonceFloor bool
}

// Coordinator is the cooperative loop that multiplexes block events, new
// intents, broadcaster outcomes and cancellations, drives the estimator and
// the decision engine, and pushes decisions to the broadcaster.
//
// All input channels are bounded. Intents beyond capacity are rejected with
// ErrOverloaded; outcome reports block the caller (with their context) so a
// pressured broadcaster backs off instead of this loop buffering forever.
type Coordinator struct {
	log         *zap.Logger
	cfg         Config
	engine      *Engine
	estimator   *feeregime.Estimator
	modes       *feeregime.Controller
	nonces      *noncetrack.Tracker
	broadcaster Broadcaster
	events      EventBackend
	store       HistoryStore
	cancels     CancellationMarker

	blockCh   chan feeregime.BlockEvent
	intentCh  chan intentEnvelope
	outcomeCh chan Outcome
	cancelCh  chan common.Hash

	currentBlock uint64
	lastClass    feeregime.Classification
}

func NewCoordinator(
	log *zap.Logger, cfg Config,
	engine *Engine, estimator *feeregime.Estimator, modes *feeregime.Controller,
	nonces *noncetrack.Tracker, broadcaster Broadcaster,
	events EventBackend, store HistoryStore, cancels CancellationMarker,
) *Coordinator {
	return &Coordinator{
		log:         log.Named("coordinator"),
		cfg:         cfg,
		engine:      engine,
		estimator:   estimator,
		modes:       modes,
		nonces:      nonces,
		broadcaster: broadcaster,
		events:      events,
		store:       store,
		cancels:     cancels,
		blockCh:     make(chan feeregime.BlockEvent, cfg.BlockEventBuffer),
		intentCh:    make(chan intentEnvelope, cfg.IntentBuffer),
		outcomeCh:   make(chan Outcome, cfg.OutcomeBuffer),
		cancelCh:    make(chan common.Hash, cfg.IntentBuffer),
	}
}

// SubmitIntent queues an intent for scheduling. Load shedding is immediate:
// when the intake channel is full the caller gets ErrOverloaded and can retry
// with backoff. Never blocks.
func (c *Coordinator) SubmitIntent(intent *TransactionIntent, floor uint64, hasFloor bool) (common.Hash, error) {
	env := intentEnvelope{
		intent:        intent,
		receivedAt:    time.Now(),
		nonceFloor:    floor,
		hasNonceFloor: hasFloor,
	}
	select {
	case c.intentCh <- env:
		return intent.Handle(), nil
	default:
		metrics.IncIntentsRejectedOverloaded()
		return common.Hash{}, ErrOverloaded
	}
}

// ReportOutcome feeds a broadcaster outcome back into the loop. Blocks with
// the caller's context when the outcome channel is full.
func (c *Coordinator) ReportOutcome(ctx context.Context, o Outcome) error {
	select {
	case c.outcomeCh <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelIntent requests cancellation of an intent that has not been
// submitted yet. Cancellation after submission is best effort and resolves
// through the eventual outcome.
func (c *Coordinator) CancelIntent(ctx context.Context, handle common.Hash) error {
	if c.cancels != nil {
		if err := c.cancels.Add(ctx, handle); err != nil {
			c.log.Warn("failed to mark cancellation", zap.Error(err))
		}
	}
	select {
	case c.cancelCh <- handle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushBlockEvent feeds one chain event. Drops the event when the buffer is
// full; the next block carries fresher data anyway.
func (c *Coordinator) PushBlockEvent(ev feeregime.BlockEvent) {
	select {
	case c.blockCh <- ev:
	default:
		metrics.IncStaleBlockEvents()
		c.log.Warn("block event buffer full, dropping event", zap.Uint64("block", ev.Number))
	}
}

// Run drives the loop until ctx is cancelled. Dispatch order within one
// wakeup: outcomes first (free nonces before deciding), block events second
// (decide on the freshest classification), intents and re-evaluations last.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		// drain priority sources before blocking
		select {
		case o := <-c.outcomeCh:
			c.handleOutcome(ctx, o)
			continue
		default:
		}
		select {
		case o := <-c.outcomeCh:
			c.handleOutcome(ctx, o)
			continue
		case ev := <-c.blockCh:
			c.handleBlock(ctx, ev)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-c.outcomeCh:
			c.handleOutcome(ctx, o)
		case ev := <-c.blockCh:
			c.handleBlock(ctx, ev)
		case handle := <-c.cancelCh:
			c.handleCancel(handle)
		case env := <-c.intentCh:
			c.handleIntent(ctx, env)
		case <-ticker.C:
			c.evaluate(ctx)
		}
	}
}

func (c *Coordinator) handleBlock(ctx context.Context, ev feeregime.BlockEvent) {
	if ev.Number > c.currentBlock {
		c.currentBlock = ev.Number
	}
	c.estimator.Observe(ev)
	snap := c.estimator.Current()

	if snap.Class != c.lastClass {
		metrics.IncRegimeChanges()
		c.publishRegimeChange(ctx, c.lastClass, snap)
		c.lastClass = snap.Class
	}

	mode, flipped := c.modes.Observe(snap)
	if flipped {
		metrics.IncModeFlips()
		c.publishModeChange(ctx, mode, snap.Block)
	}

	c.evaluate(ctx)
}

func (c *Coordinator) handleIntent(ctx context.Context, env intentEnvelope) {
	if env.hasNonceFloor {
		c.nonces.SyncFloor(env.intent.From, env.nonceFloor)
	}
	tx := c.engine.Accept(env.intent, env.receivedAt)
	metrics.IncIntentsAccepted()
	c.log.Debug("intent accepted",
		zap.String("handle", tx.Handle.Hex()),
		zap.String("from", env.intent.From.Hex()),
		zap.Uint64("max_fee", uint64(env.intent.MaxFeePerGas)))

	if c.store != nil {
		if err := c.store.InsertIntent(ctx, tx); err != nil {
			c.log.Warn("failed to persist intent", zap.Error(err))
		}
	}
	c.evaluate(ctx)
}

func (c *Coordinator) handleCancel(handle common.Hash) {
	err := c.engine.Cancel(handle)
	switch {
	case err == nil:
		metrics.IncIntentsCancelled()
		c.log.Info("intent cancelled", zap.String("handle", handle.Hex()))
	default:
		c.log.Debug("cancellation not applied",
			zap.String("handle", handle.Hex()),
			zap.Error(err))
	}
}

func (c *Coordinator) handleOutcome(ctx context.Context, o Outcome) {
	tx, err := c.engine.HandleOutcome(o, time.Now())
	if err != nil {
		c.log.Warn("outcome for unknown or invalid state",
			zap.String("handle", o.Handle.Hex()),
			zap.Error(err))
		return
	}
	c.persistState(ctx, tx)
}

// evaluate asks the engine to reconsider everything and dispatches the
// resulting decisions.
func (c *Coordinator) evaluate(ctx context.Context) {
	startAt := time.Now()
	decisions := c.engine.Evaluate(startAt, c.currentBlock)
	metrics.RecordDecisionDuration(time.Since(startAt).Milliseconds())

	for i := range decisions {
		c.dispatch(ctx, &decisions[i])
	}
}

func (c *Coordinator) dispatch(ctx context.Context, d *Decision) {
	c.countDecision(d)
	if c.store != nil {
		if err := c.store.InsertDecision(ctx, d, time.Now()); err != nil {
			c.log.Warn("failed to persist decision", zap.Error(err))
		}
	}

	if !d.Kind.Submits() {
		if tx, ok := c.engine.Get(d.Handle); ok {
			c.persistState(ctx, tx)
		}
		return
	}

	tx, ok := c.engine.Get(d.Handle)
	if !ok {
		return
	}

	if c.cancels != nil && !tx.Broadcast {
		cancelled, err := c.cancels.IsCancelled(ctx, d.Handle)
		if err != nil {
			c.log.Warn("cancellation check failed", zap.Error(err))
		} else if cancelled {
			c.handleCancel(d.Handle)
			return
		}
	}

	req := &SubmissionRequest{
		Handle:            tx.Handle,
		From:              tx.Intent.From,
		To:                tx.Intent.To,
		Data:              tx.Intent.Data,
		Value:             tx.Intent.Value,
		Nonce:             hexutil.Uint64(d.Nonce),
		MaxFeePerGas:      hexutil.Uint64(d.Fee.MaxFeePerGas),
		PriorityFeePerGas: hexutil.Uint64(d.Fee.PriorityFeePerGas),
		Replacement:       d.Kind == DecisionReprice,
		Degraded:          d.Degraded,
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	err := c.broadcaster.SubmitTransaction(submitCtx, req)
	cancel()
	if err != nil {
		metrics.IncBroadcastFailures()
		c.log.Warn("broadcaster rejected submission",
			zap.String("handle", tx.Handle.Hex()),
			zap.Error(err))
	}
	if tx, serr := c.engine.OnSubmitResult(d.Handle, time.Now(), err); serr == nil {
		c.persistState(ctx, tx)
	}
}

func (c *Coordinator) countDecision(d *Decision) {
	switch d.Kind {
	case DecisionSubmit:
		metrics.IncDecisionSubmit()
	case DecisionSubmitAtCap:
		metrics.IncDecisionSubmitAtCap()
	case DecisionDefer:
		metrics.IncDecisionDefer()
	case DecisionReprice:
		metrics.IncDecisionReprice()
	case DecisionExpire:
		metrics.IncDecisionExpire()
	}
}

func (c *Coordinator) persistState(ctx context.Context, tx *ScheduledTransaction) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateIntentState(ctx, tx); err != nil {
		c.log.Warn("failed to persist intent state", zap.Error(err))
	}
}

func (c *Coordinator) publishModeChange(ctx context.Context, to feeregime.Mode, block uint64) {
	if c.events == nil {
		return
	}
	from := feeregime.CostOptimal
	if to == feeregime.CostOptimal {
		from = feeregime.InclusionFirst
	}
	ev := &ModeChangeEvent{From: from.String(), To: to.String(), Block: block}
	if err := c.events.NotifyModeChange(ctx, ev); err != nil {
		c.log.Warn("failed to publish mode change", zap.Error(err))
	}
}

func (c *Coordinator) publishRegimeChange(ctx context.Context, from feeregime.Classification, snap *feeregime.Snapshot) {
	if c.events == nil {
		return
	}
	ev := &RegimeChangeEvent{
		From:       from.String(),
		To:         snap.Class.String(),
		Block:      snap.Block,
		BaseFee:    snap.BaseFee,
		Volatility: snap.Volatility,
	}
	if err := c.events.NotifyRegimeChange(ctx, ev); err != nil {
		c.log.Warn("failed to publish regime change", zap.Error(err))
	}
}

// StartBlockPoller polls the chain head and feeds block events into the
// loop. Returns immediately; the poller stops when ctx is cancelled.
func (c *Coordinator) StartBlockPoller(ctx context.Context, eth EthClient, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastSeen uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				back := backoff.NewExponentialBackOff()
				back.MaxInterval = 3 * time.Second
				back.MaxElapsedTime = 12 * time.Second

				err := backoff.Retry(func() error {
					number, err := eth.BlockNumber(ctx)
					if err != nil {
						return err
					}
					if number <= lastSeen {
						return nil
					}
					header, err := eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
					if err != nil {
						return err
					}
					ev := feeregime.BlockEvent{Number: number}
					if header.BaseFee != nil {
						ev.BaseFee = header.BaseFee.Uint64()
					}
					if header.GasLimit > 0 {
						ev.Fullness = float64(header.GasUsed) / float64(header.GasLimit)
					}
					lastSeen = number
					c.PushBlockEvent(ev)
					return nil
				}, backoff.WithContext(back, ctx))
				if err != nil {
					c.log.Error("failed to poll block", zap.Error(err))
				}
			}
		}
	}()
}
