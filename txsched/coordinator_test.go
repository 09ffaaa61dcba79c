package txsched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gassaver/scheduler-node/feeregime"
	"github.com/gassaver/scheduler-node/noncetrack"
	"github.com/gassaver/scheduler-node/ratelimit"
)

type fakeBroadcaster struct {
	requests chan *SubmissionRequest
	err      error
}

func (f *fakeBroadcaster) SubmitTransaction(_ context.Context, req *SubmissionRequest) error {
	f.requests <- req
	return f.err
}

type recordingStore struct {
	states chan string
}

func (s *recordingStore) InsertIntent(context.Context, *ScheduledTransaction) error { return nil }

func (s *recordingStore) UpdateIntentState(_ context.Context, tx *ScheduledTransaction) error {
	s.states <- tx.State.String()
	return nil
}

func (s *recordingStore) InsertDecision(context.Context, *Decision, time.Time) error { return nil }

type coordEnv struct {
	coordinator *Coordinator
	engine      *Engine
	broadcaster *fakeBroadcaster
	store       *recordingStore
	cfg         Config
}

func newCoordEnv(t *testing.T, mutate func(*Config)) *coordEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EvaluationInterval = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	log := zap.NewNop()
	estimator := feeregime.NewEstimator(log, cfg.EstimatorConfig())
	modes := feeregime.NewController(log, cfg.SpikeConfirmCount, cfg.RecoveryConfirmCount)
	nonces := noncetrack.NewTracker()
	limiter := ratelimit.NewKeyed(rate.Limit(cfg.RateLimitRefillRate), cfg.RateLimitCapacity)
	engine := NewEngine(log, cfg, nonces, limiter, estimator, modes, "relay")

	broadcaster := &fakeBroadcaster{requests: make(chan *SubmissionRequest, 16)}
	store := &recordingStore{states: make(chan string, 16)}
	coordinator := NewCoordinator(log, cfg, engine, estimator, modes, nonces, broadcaster, nil, store, nil)
	return &coordEnv{
		coordinator: coordinator,
		engine:      engine,
		broadcaster: broadcaster,
		store:       store,
		cfg:         cfg,
	}
}

func waitState(t *testing.T, states chan string, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func TestCoordinatorSubmitsAndConfirmsIntent(t *testing.T) {
	env := newCoordEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.coordinator.Run(ctx)
	}()

	for i := uint64(1); i <= 12; i++ {
		env.coordinator.PushBlockEvent(feeregime.BlockEvent{Number: i, BaseFee: 10, Fullness: 0.5})
	}

	intent := testIntent(1, 50)
	handle, err := env.coordinator.SubmitIntent(intent, 0, false)
	require.NoError(t, err)
	require.Equal(t, intent.Handle(), handle)

	var req *SubmissionRequest
	select {
	case req = <-env.broadcaster.requests:
	case <-time.After(5 * time.Second):
		t.Fatal("no submission dispatched")
	}
	require.Equal(t, handle, req.Handle)
	require.False(t, req.Replacement)
	require.LessOrEqual(t, uint64(req.MaxFeePerGas), uint64(50))
	waitState(t, env.store.states, "submitted")

	require.NoError(t, env.coordinator.ReportOutcome(ctx, Outcome{
		Handle: handle, Kind: OutcomeIncluded, Block: 13,
	}))
	waitState(t, env.store.states, "included")

	cancel()
	<-done

	tx, ok := env.engine.Get(handle)
	require.True(t, ok)
	require.Equal(t, StateIncluded, tx.State)
	require.Equal(t, uint64(13), tx.IncludedBlock)
}

func TestCoordinatorShedsLoadWhenFull(t *testing.T) {
	env := newCoordEnv(t, func(cfg *Config) {
		cfg.IntentBuffer = 1
	})
	// loop not running, the buffer fills immediately

	_, err := env.coordinator.SubmitIntent(testIntent(1, 50), 0, false)
	require.NoError(t, err)

	_, err = env.coordinator.SubmitIntent(testIntent(2, 50), 0, false)
	require.ErrorIs(t, err, ErrOverloaded)
}

func TestCoordinatorRepricesStaleSubmission(t *testing.T) {
	env := newCoordEnv(t, func(cfg *Config) {
		cfg.RepriceCooldown = 100 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.coordinator.Run(ctx)
	}()

	for i := uint64(1); i <= 12; i++ {
		env.coordinator.PushBlockEvent(feeregime.BlockEvent{Number: i, BaseFee: 100, Fullness: 0.5})
	}

	intent := testIntent(1, 500)
	handle, err := env.coordinator.SubmitIntent(intent, 0, false)
	require.NoError(t, err)

	first := <-env.broadcaster.requests
	waitState(t, env.store.states, "submitted")

	require.NoError(t, env.coordinator.ReportOutcome(ctx, Outcome{
		Handle: handle, Kind: OutcomeStaleNeedsReprice,
	}))

	var replacement *SubmissionRequest
	select {
	case replacement = <-env.broadcaster.requests:
	case <-time.After(5 * time.Second):
		t.Fatal("no replacement dispatched")
	}
	require.True(t, replacement.Replacement)
	require.Equal(t, first.Nonce, replacement.Nonce)
	require.GreaterOrEqual(t, uint64(replacement.MaxFeePerGas), uint64(first.MaxFeePerGas)+uint64(first.MaxFeePerGas)/10)

	cancel()
	<-done
}

func TestCoordinatorCancelBeforeSubmission(t *testing.T) {
	env := newCoordEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.coordinator.Run(ctx)
	}()

	// declining market above the cap keeps the intent deferred
	fees := []uint64{100, 98, 96, 94, 92, 90, 88, 86, 84, 82, 80}
	for i, fee := range fees {
		env.coordinator.PushBlockEvent(feeregime.BlockEvent{Number: uint64(i + 1), BaseFee: fee, Fullness: 0.5})
	}

	intent := testIntent(1, 50)
	handle, err := env.coordinator.SubmitIntent(intent, 0, false)
	require.NoError(t, err)
	// the defer decision is persisted once the intent has been picked up
	waitState(t, env.store.states, "pending")

	require.NoError(t, env.coordinator.CancelIntent(ctx, handle))
	require.Eventually(t, func() bool {
		return len(env.coordinator.cancelCh) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	_, ok := env.engine.Get(handle)
	require.False(t, ok)
	select {
	case req := <-env.broadcaster.requests:
		t.Fatalf("unexpected submission dispatched: %v", req.Handle)
	default:
	}
}

func TestCoordinatorRunStopsOnContextCancel(t *testing.T) {
	env := newCoordEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- env.coordinator.Run(ctx)
	}()

	cancel()
	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}
