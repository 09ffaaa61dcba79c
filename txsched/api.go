package txsched

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"go.uber.org/zap"

	"github.com/gassaver/scheduler-node/jsonrpcserver"
	"github.com/gassaver/scheduler-node/metrics"
	"github.com/gassaver/scheduler-node/oncefetch"
)

var (
	statusTimeout   = 500 * time.Millisecond
	knownIntentSize = 1000
)

// IntentSubmitter is the coordinator surface the API needs.
type IntentSubmitter interface {
	SubmitIntent(intent *TransactionIntent, floor uint64, hasFloor bool) (common.Hash, error)
	ReportOutcome(ctx context.Context, o Outcome) error
	CancelIntent(ctx context.Context, handle common.Hash) error
}

// IntentReader resolves the persisted view of an intent for status queries.
type IntentReader interface {
	GetIntent(ctx context.Context, handle common.Hash) (*DBIntent, error)
}

type SendIntentResponse struct {
	Handle common.Hash `json:"handle"`
}

type IntentStatusResponse struct {
	Handle        common.Hash `json:"handle"`
	State         string      `json:"state"`
	Nonce         *uint64     `json:"nonce,omitempty"`
	SubmitCount   int         `json:"submitCount"`
	RepriceCount  int         `json:"repriceCount"`
	Degraded      bool        `json:"degraded,omitempty"`
	FailReason    string      `json:"failReason,omitempty"`
	IncludedBlock *uint64     `json:"includedBlock,omitempty"`
}

type API struct {
	log *zap.Logger

	coordinator IntentSubmitter
	storage     IntentReader

	// nonceFloors coalesces concurrent on-chain nonce lookups per sender.
	nonceFloors *oncefetch.Fetcher[uint64]

	knownIntentCache *lru.Cache[common.Hash, struct{}]
}

func NewAPI(
	log *zap.Logger,
	coordinator IntentSubmitter, storage IntentReader,
	nonceFloors *oncefetch.Fetcher[uint64],
) *API {
	return &API{
		log:              log,
		coordinator:      coordinator,
		storage:          storage,
		nonceFloors:      nonceFloors,
		knownIntentCache: lru.NewCache[common.Hash, struct{}](knownIntentSize),
	}
}

func validateIntent(intent *TransactionIntent) error {
	if intent.From == (common.Address{}) {
		return fmt.Errorf("%w: missing sender", ErrInvalidIntent)
	}
	if intent.To == (common.Address{}) {
		return fmt.Errorf("%w: missing recipient", ErrInvalidIntent)
	}
	if intent.MaxFeePerGas == 0 {
		return fmt.Errorf("%w: maxFeePerGas must be positive", ErrInvalidIntent)
	}
	if intent.MaxPriorityFeePerGas > intent.MaxFeePerGas {
		return fmt.Errorf("%w: maxPriorityFeePerGas exceeds maxFeePerGas", ErrInvalidIntent)
	}
	if intent.Deadline != 0 && time.Unix(int64(intent.Deadline), 0).Before(time.Now()) {
		return fmt.Errorf("%w: deadline already passed", ErrInvalidIntent)
	}
	return nil
}

func (m *API) SendIntent(ctx context.Context, intent TransactionIntent) (_ SendIntentResponse, err error) {
	logger := m.log
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(time.Since(startAt).Milliseconds())
	}()
	metrics.IncIntentsReceived()

	if err := validateIntent(&intent); err != nil {
		logger.Warn("failed to validate intent", zap.Error(err))
		return SendIntentResponse{}, err
	}

	if jsonrpcserver.GetPriority(ctx) {
		intent.HighPriority = true
	}
	if origin := jsonrpcserver.GetOrigin(ctx); origin != "" {
		logger = logger.With(zap.String("origin", origin))
	}

	handle := intent.Handle()
	if _, known := m.knownIntentCache.Get(handle); known {
		logger.Debug("intent already known, ignoring", zap.String("handle", handle.Hex()))
		return SendIntentResponse{Handle: handle}, nil
	}

	floor, floorErr := m.nonceFloors.Get(ctx, intent.From.Hex())
	if floorErr != nil {
		// scheduling still works off locally tracked nonces
		logger.Warn("failed to resolve on-chain nonce", zap.Error(floorErr))
	}

	handle, err = m.coordinator.SubmitIntent(&intent, floor, floorErr == nil)
	if err != nil {
		logger.Warn("intent rejected", zap.Error(err))
		return SendIntentResponse{}, err
	}
	m.knownIntentCache.Add(handle, struct{}{})

	logger.Info("intent queued",
		zap.String("handle", handle.Hex()),
		zap.String("from", intent.From.Hex()),
		zap.Bool("highPriority", intent.HighPriority))
	return SendIntentResponse{Handle: handle}, nil
}

func (m *API) CancelIntent(ctx context.Context, handle common.Hash) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(time.Since(startAt).Milliseconds())
	}()

	if handle == (common.Hash{}) {
		return fmt.Errorf("%w: missing handle", ErrInvalidIntent)
	}
	m.knownIntentCache.Remove(handle)
	return m.coordinator.CancelIntent(ctx, handle)
}

func (m *API) ReportOutcome(ctx context.Context, outcome Outcome) (err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(time.Since(startAt).Milliseconds())
	}()

	if outcome.Handle == (common.Hash{}) {
		return fmt.Errorf("%w: missing handle", ErrInvalidOutcome)
	}
	if outcome.Kind == OutcomeIncluded && outcome.Block == 0 {
		return fmt.Errorf("%w: included outcome without block", ErrInvalidOutcome)
	}
	return m.coordinator.ReportOutcome(ctx, outcome)
}

func (m *API) IntentStatus(ctx context.Context, handle common.Hash) (_ IntentStatusResponse, err error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordRPCCallDuration(time.Since(startAt).Milliseconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	row, err := m.storage.GetIntent(ctx, handle)
	if err != nil {
		return IntentStatusResponse{}, err
	}

	res := IntentStatusResponse{
		Handle:       common.BytesToHash(row.Handle),
		State:        row.State,
		SubmitCount:  row.SubmitCount,
		RepriceCount: row.RepriceCount,
		Degraded:     row.Degraded,
	}
	if row.Nonce.Valid {
		nonce := uint64(row.Nonce.Int64)
		res.Nonce = &nonce
	}
	if row.FailReason.Valid {
		res.FailReason = row.FailReason.String
	}
	if row.IncludedBlock.Valid {
		block := uint64(row.IncludedBlock.Int64)
		res.IncludedBlock = &block
	}
	return res, nil
}
