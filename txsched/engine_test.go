package txsched

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gassaver/scheduler-node/feeregime"
	"github.com/gassaver/scheduler-node/noncetrack"
	"github.com/gassaver/scheduler-node/ratelimit"
)

type engineEnv struct {
	engine    *Engine
	estimator *feeregime.Estimator
	modes     *feeregime.Controller
	nonces    *noncetrack.Tracker
	limiter   *ratelimit.Keyed
	cfg       Config
}

func newEngineEnv(t *testing.T, mutate func(*Config)) *engineEnv {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	log := zap.NewNop()
	estimator := feeregime.NewEstimator(log, cfg.EstimatorConfig())
	modes := feeregime.NewController(log, cfg.SpikeConfirmCount, cfg.RecoveryConfirmCount)
	nonces := noncetrack.NewTracker()
	limiter := ratelimit.NewKeyed(rate.Limit(cfg.RateLimitRefillRate), cfg.RateLimitCapacity)
	return &engineEnv{
		engine:    NewEngine(log, cfg, nonces, limiter, estimator, modes, "relay"),
		estimator: estimator,
		modes:     modes,
		nonces:    nonces,
		limiter:   limiter,
		cfg:       cfg,
	}
}

// feedBlocks pushes block events through the estimator and mode controller
// the way the coordinator does, returning the last block number.
func (env *engineEnv) feedBlocks(start uint64, fees []uint64, fullness float64) uint64 {
	block := start
	for _, fee := range fees {
		env.estimator.Observe(feeregime.BlockEvent{Number: block, BaseFee: fee, Fullness: fullness})
		env.modes.Observe(env.estimator.Current())
		block++
	}
	return block - 1
}

func steadyFees(fee uint64, n int) []uint64 {
	fees := make([]uint64, n)
	for i := range fees {
		fees[i] = fee
	}
	return fees
}

func testIntent(seed byte, feeCap uint64) *TransactionIntent {
	return &TransactionIntent{
		From:                 common.Address{seed},
		To:                   common.Address{0xaa},
		MaxFeePerGas:         hexutil.Uint64(feeCap),
		MaxPriorityFeePerGas: 1,
	}
}

func TestEngineSteadyMarketSubmitsWithMargin(t *testing.T) {
	env := newEngineEnv(t, nil)
	block := env.feedBlocks(1, steadyFees(10, 12), 0.5)

	now := time.Now()
	intent := testIntent(1, 50)
	env.engine.Accept(intent, now)

	decisions := env.engine.Evaluate(now, block)
	require.Len(t, decisions, 1)

	d := decisions[0]
	require.Equal(t, DecisionSubmit, d.Kind)
	require.Equal(t, intent.Handle(), d.Handle)
	require.Equal(t, uint64(10+env.cfg.PriorityMargin), d.Fee.MaxFeePerGas)
	require.Equal(t, env.cfg.PriorityMargin, d.Fee.PriorityFeePerGas)
	require.False(t, d.Degraded)
	require.Equal(t, uint64(0), d.Nonce)

	tx, ok := env.engine.Get(d.Handle)
	require.True(t, ok)
	require.Equal(t, StateScheduled, tx.State)
	require.True(t, tx.NonceAllocated)
}

func TestEngineHighPriorityDoublesMargin(t *testing.T) {
	env := newEngineEnv(t, nil)
	block := env.feedBlocks(1, steadyFees(10, 12), 0.5)

	intent := testIntent(1, 50)
	intent.HighPriority = true
	now := time.Now()
	env.engine.Accept(intent, now)

	decisions := env.engine.Evaluate(now, block)
	require.Len(t, decisions, 1)
	require.Equal(t, uint64(10+2*env.cfg.PriorityMargin), decisions[0].Fee.MaxFeePerGas)
}

func TestEngineSpikeSubmitsAtCapDegraded(t *testing.T) {
	env := newEngineEnv(t, nil)
	env.feedBlocks(1, steadyFees(10, 12), 0.5)
	// a sustained jump stays volatile, so every block classifies as spike
	// and the debounce confirms
	block := env.feedBlocks(13, steadyFees(100, env.cfg.SpikeConfirmCount), 1.0)
	require.Equal(t, feeregime.InclusionFirst, env.modes.Mode())

	now := time.Now()
	intent := testIntent(1, 30)
	env.engine.Accept(intent, now)

	decisions := env.engine.Evaluate(now, block)
	require.Len(t, decisions, 1)

	d := decisions[0]
	require.Equal(t, DecisionSubmitAtCap, d.Kind)
	require.True(t, d.Degraded)
	// the caller's cap is never exceeded
	require.Equal(t, uint64(30), d.Fee.MaxFeePerGas)
}

func TestEngineInclusionFirstWithinCap(t *testing.T) {
	env := newEngineEnv(t, nil)
	env.feedBlocks(1, steadyFees(10, 12), 0.5)
	block := env.feedBlocks(13, steadyFees(100, env.cfg.SpikeConfirmCount), 1.0)
	require.Equal(t, feeregime.InclusionFirst, env.modes.Mode())

	now := time.Now()
	intent := testIntent(1, 10_000)
	env.engine.Accept(intent, now)

	decisions := env.engine.Evaluate(now, block)
	require.Len(t, decisions, 1)

	d := decisions[0]
	require.Equal(t, DecisionSubmit, d.Kind)
	require.False(t, d.Degraded)
	// worst-case next-block growth over the current base fee
	require.Greater(t, d.Fee.MaxFeePerGas, uint64(100))
	require.LessOrEqual(t, d.Fee.MaxFeePerGas, uint64(10_000))
}

func TestEngineDefersWhenFallingAndCapTooLow(t *testing.T) {
	env := newEngineEnv(t, nil)
	// declining market, base fee still above the caller's cap
	fees := []uint64{100, 98, 96, 94, 92, 90, 88, 86, 84, 82, 80}
	block := env.feedBlocks(1, fees, 0.5)
	snap := env.estimator.Current()
	require.Equal(t, feeregime.TrendFalling, snap.Trend)

	now := time.Now()
	intent := testIntent(1, 50) // no deadline, waiting is allowed
	env.engine.Accept(intent, now)

	decisions := env.engine.Evaluate(now, block)
	require.Len(t, decisions, 1)
	require.Equal(t, DecisionDefer, decisions[0].Kind)

	tx, _ := env.engine.Get(intent.Handle())
	require.Equal(t, block+1, tx.NextEligibleBlock)
	require.False(t, tx.NonceAllocated)

	// not eligible again within the same block
	decisions = env.engine.Evaluate(now, block)
	require.Empty(t, decisions)
}

func TestEngineDeadlinePressureOverridesDefer(t *testing.T) {
	env := newEngineEnv(t, nil)
	fees := []uint64{100, 98, 96, 94, 92, 90, 88, 86, 84, 82, 80}
	block := env.feedBlocks(1, fees, 0.5)

	now := time.Now()
	intent := testIntent(1, 50)
	intent.Deadline = hexutil.Uint64(now.Add(5 * time.Second).Unix()) // less than one block away
	env.engine.Accept(intent, now)

	decisions := env.engine.Evaluate(now, block)
	require.Len(t, decisions, 1)
	require.Equal(t, DecisionSubmitAtCap, decisions[0].Kind)
	require.Equal(t, uint64(50), decisions[0].Fee.MaxFeePerGas)
}

func TestEngineRateLimitedDefersWithoutNonce(t *testing.T) {
	env := newEngineEnv(t, func(cfg *Config) {
		cfg.RateLimitCapacity = 1
		cfg.RateLimitRefillRate = 0.0001
		cfg.DeferBackoffBlocks = 3
	})
	block := env.feedBlocks(1, steadyFees(10, 12), 0.5)

	// drain the only token
	require.True(t, env.limiter.TryAcquire("relay", 1))

	now := time.Now()
	intent := testIntent(1, 50)
	env.engine.Accept(intent, now)

	decisions := env.engine.Evaluate(now, block)
	require.Len(t, decisions, 1)
	require.Equal(t, DecisionDefer, decisions[0].Kind)

	tx, _ := env.engine.Get(intent.Handle())
	require.Equal(t, StatePending, tx.State)
	require.False(t, tx.NonceAllocated, "rate-limited decision must not burn a nonce")
	require.Equal(t, block+3, tx.NextEligibleBlock)
}

func TestEngineExpiryReleasesNonce(t *testing.T) {
	env := newEngineEnv(t, nil)
	block := env.feedBlocks(1, steadyFees(10, 12), 0.5)

	now := time.Now()
	intent := testIntent(1, 50)
	intent.Deadline = hexutil.Uint64(now.Add(30 * time.Second).Unix())
	env.engine.Accept(intent, now)

	decisions := env.engine.Evaluate(now, block)
	require.Len(t, decisions, 1)
	require.Equal(t, DecisionSubmit, decisions[0].Kind)
	require.Equal(t, uint64(0), decisions[0].Nonce)

	late := now.Add(31 * time.Second)
	decisions = env.engine.Evaluate(late, block+2)
	require.Len(t, decisions, 1)
	require.Equal(t, DecisionExpire, decisions[0].Kind)

	tx, _ := env.engine.Get(intent.Handle())
	require.Equal(t, StateExpired, tx.State)

	// the freed nonce is reusable by the next allocation
	require.Equal(t, uint64(0), env.nonces.Allocate(intent.From))
}

func TestEngineRepriceBumpsAtLeastTenPercent(t *testing.T) {
	env := newEngineEnv(t, nil)
	block := env.feedBlocks(1, steadyFees(100, 12), 0.5)

	now := time.Now()
	intent := testIntent(1, 500)
	env.engine.Accept(intent, now)

	decisions := env.engine.Evaluate(now, block)
	require.Len(t, decisions, 1)
	firstFee := decisions[0].Fee.MaxFeePerGas
	firstNonce := decisions[0].Nonce

	_, err := env.engine.OnSubmitResult(intent.Handle(), now, nil)
	require.NoError(t, err)

	_, err = env.engine.HandleOutcome(Outcome{Handle: intent.Handle(), Kind: OutcomeStaleNeedsReprice}, now)
	require.NoError(t, err)

	// inside the cooldown nothing happens
	decisions = env.engine.Evaluate(now.Add(env.cfg.RepriceCooldown/2), block+1)
	require.Empty(t, decisions)

	after := now.Add(env.cfg.RepriceCooldown + time.Second)
	decisions = env.engine.Evaluate(after, block+1)
	require.Len(t, decisions, 1)

	d := decisions[0]
	require.Equal(t, DecisionReprice, d.Kind)
	require.Equal(t, firstNonce, d.Nonce, "replacement keeps the nonce")
	require.GreaterOrEqual(t, d.Fee.MaxFeePerGas, firstFee+firstFee/10)

	tx, _ := env.engine.Get(intent.Handle())
	require.Equal(t, StateRepriced, tx.State)
	require.Equal(t, 1, tx.RepriceCount)
}

func TestEngineRepriceExhaustionFails(t *testing.T) {
	env := newEngineEnv(t, func(cfg *Config) {
		cfg.MaxRepriceAttempts = 0
	})
	block := env.feedBlocks(1, steadyFees(100, 12), 0.5)

	now := time.Now()
	intent := testIntent(1, 500)
	env.engine.Accept(intent, now)
	env.engine.Evaluate(now, block)
	_, err := env.engine.OnSubmitResult(intent.Handle(), now, nil)
	require.NoError(t, err)
	_, err = env.engine.HandleOutcome(Outcome{Handle: intent.Handle(), Kind: OutcomeStaleNeedsReprice}, now)
	require.NoError(t, err)

	decisions := env.engine.Evaluate(now.Add(env.cfg.RepriceCooldown+time.Second), block+1)
	require.Len(t, decisions, 1)
	require.Equal(t, DecisionFail, decisions[0].Kind)

	tx, _ := env.engine.Get(intent.Handle())
	require.Equal(t, StateFailed, tx.State)
	require.Equal(t, "reprice attempts exhausted", tx.FailReason)
}

func TestEngineRepriceStopsAtCap(t *testing.T) {
	env := newEngineEnv(t, nil)
	block := env.feedBlocks(1, steadyFees(100, 12), 0.5)

	now := time.Now()
	intent := testIntent(1, 102) // barely above the steady target
	env.engine.Accept(intent, now)
	decisions := env.engine.Evaluate(now, block)
	require.Len(t, decisions, 1)
	require.Equal(t, uint64(102), decisions[0].Fee.MaxFeePerGas)

	_, err := env.engine.OnSubmitResult(intent.Handle(), now, nil)
	require.NoError(t, err)
	_, err = env.engine.HandleOutcome(Outcome{Handle: intent.Handle(), Kind: OutcomeStaleNeedsReprice}, now)
	require.NoError(t, err)

	// already at the cap, no room to bump
	decisions = env.engine.Evaluate(now.Add(env.cfg.RepriceCooldown+time.Second), block+1)
	require.Empty(t, decisions)
}

func TestEngineOutcomeIncludedConfirmsNonce(t *testing.T) {
	env := newEngineEnv(t, nil)
	block := env.feedBlocks(1, steadyFees(10, 12), 0.5)

	now := time.Now()
	intent := testIntent(1, 50)
	env.engine.Accept(intent, now)
	env.engine.Evaluate(now, block)
	_, err := env.engine.OnSubmitResult(intent.Handle(), now, nil)
	require.NoError(t, err)

	tx, err := env.engine.HandleOutcome(Outcome{
		Handle: intent.Handle(), Kind: OutcomeIncluded, Block: block + 1,
	}, now)
	require.NoError(t, err)
	require.Equal(t, StateIncluded, tx.State)
	require.Equal(t, block+1, tx.IncludedBlock)
	require.Equal(t, uint64(1), env.nonces.Confirmed(intent.From))
}

func TestEnginePreBroadcastFailureRetries(t *testing.T) {
	env := newEngineEnv(t, nil)
	block := env.feedBlocks(1, steadyFees(10, 12), 0.5)

	now := time.Now()
	intent := testIntent(1, 50)
	intent.AllowRetry = true
	env.engine.Accept(intent, now)
	env.engine.Evaluate(now, block)

	tx, err := env.engine.OnSubmitResult(intent.Handle(), now, errors.New("connection refused"))
	require.NoError(t, err)
	require.Equal(t, StatePending, tx.State)
	require.False(t, tx.NonceAllocated)
	require.Equal(t, FeeParams{}, tx.Fee)

	// no retry permission means terminal failure
	intent2 := testIntent(2, 50)
	env.engine.Accept(intent2, now)
	env.engine.Evaluate(now, block)
	tx2, err := env.engine.OnSubmitResult(intent2.Handle(), now, errors.New("connection refused"))
	require.NoError(t, err)
	require.Equal(t, StateFailed, tx2.State)
}

func TestEngineCancel(t *testing.T) {
	env := newEngineEnv(t, nil)
	block := env.feedBlocks(1, steadyFees(10, 12), 0.5)
	now := time.Now()

	require.ErrorIs(t, env.engine.Cancel(common.Hash{0x01}), ErrUnknownIntent)

	pending := testIntent(1, 50)
	env.engine.Accept(pending, now)
	require.NoError(t, env.engine.Cancel(pending.Handle()))
	_, ok := env.engine.Get(pending.Handle())
	require.False(t, ok)

	submitted := testIntent(2, 50)
	env.engine.Accept(submitted, now)
	env.engine.Evaluate(now, block)
	_, err := env.engine.OnSubmitResult(submitted.Handle(), now, nil)
	require.NoError(t, err)
	require.ErrorIs(t, env.engine.Cancel(submitted.Handle()), ErrIntentNotCancellable)
}

func TestEngineAcceptDedupes(t *testing.T) {
	env := newEngineEnv(t, nil)
	now := time.Now()

	intent := testIntent(1, 50)
	first := env.engine.Accept(intent, now)
	second := env.engine.Accept(intent, now.Add(time.Second))
	require.Same(t, first, second)
	require.Equal(t, 1, env.engine.Len())
}

func TestEngineTerminalRecordsPruned(t *testing.T) {
	env := newEngineEnv(t, nil)
	block := env.feedBlocks(1, steadyFees(10, 12), 0.5)
	now := time.Now()

	intent := testIntent(1, 50)
	env.engine.Accept(intent, now)
	env.engine.Evaluate(now, block)
	_, err := env.engine.OnSubmitResult(intent.Handle(), now, nil)
	require.NoError(t, err)
	_, err = env.engine.HandleOutcome(Outcome{Handle: intent.Handle(), Kind: OutcomeIncluded, Block: block + 1}, now)
	require.NoError(t, err)

	// still queryable shortly after inclusion
	env.engine.Evaluate(now.Add(time.Minute), block+2)
	require.Equal(t, 1, env.engine.Len())

	env.engine.Evaluate(now.Add(time.Hour), block+3)
	require.Equal(t, 0, env.engine.Len())
}
