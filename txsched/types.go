package txsched

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

var (
	ErrOverloaded           = errors.New("intent intake is overloaded")
	ErrUnknownIntent        = errors.New("unknown intent")
	ErrIntentNotCancellable = errors.New("intent already submitted")
	ErrInvalidIntent        = errors.New("invalid intent")
	ErrInvalidOutcome       = errors.New("invalid outcome report")

	ErrInternalServiceError = errors.New("scheduler service error")
)

const (
	SendIntentEndpointName    = "txsched_sendIntent"
	CancelIntentEndpointName  = "txsched_cancelIntent"
	ReportOutcomeEndpointName = "txsched_reportOutcome"
	IntentStatusEndpointName  = "txsched_intentStatus"
)

// TransactionIntent is a caller's request to eventually submit a transaction.
// Immutable once accepted.
type TransactionIntent struct {
	From                 common.Address `json:"from"`
	To                   common.Address `json:"to"`
	Data                 hexutil.Bytes  `json:"data,omitempty"`
	Value                *hexutil.Big   `json:"value,omitempty"`
	MaxFeePerGas         hexutil.Uint64 `json:"maxFeePerGas"`
	MaxPriorityFeePerGas hexutil.Uint64 `json:"maxPriorityFeePerGas"`
	// Deadline is a unix timestamp in seconds; zero means no deadline.
	Deadline hexutil.Uint64 `json:"deadline,omitempty"`
	// HighPriority intents survive load shedding longer and pay a larger
	// priority margin.
	HighPriority bool `json:"highPriority,omitempty"`
	// AllowRetry lets a pre-broadcast failure loop the intent back to
	// pending instead of failing it.
	AllowRetry bool `json:"allowRetry,omitempty"`
}

// Handle derives the intent's identity from its content. Identical intents
// map to the same handle, which makes accidental double submission a cheap
// dedupe instead of a double spend.
func (i *TransactionIntent) Handle() common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(i.From[:])
	h.Write(i.To[:])
	h.Write(i.Data)
	if i.Value != nil {
		h.Write(i.Value.ToInt().Bytes())
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i.MaxFeePerGas))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(i.MaxPriorityFeePerGas))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(i.Deadline))
	h.Write(buf[:])
	return common.BytesToHash(h.Sum(nil))
}

// FeeParams are the two components of an EIP-1559 style fee.
type FeeParams struct {
	MaxFeePerGas      uint64 `json:"maxFeePerGas"`
	PriorityFeePerGas uint64 `json:"priorityFeePerGas"`
}

// TxState is the lifecycle state of a scheduled transaction.
type TxState uint8

const (
	StatePending TxState = iota
	StateScheduled
	StateSubmitted
	StateIncluded
	StateRepriced
	StateFailed
	StateExpired
)

func (s TxState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateScheduled:
		return "scheduled"
	case StateSubmitted:
		return "submitted"
	case StateIncluded:
		return "included"
	case StateRepriced:
		return "repriced"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the transaction's lifecycle.
func (s TxState) Terminal() bool {
	return s == StateIncluded || s == StateFailed || s == StateExpired
}

// ScheduledTransaction is the mutable lifecycle record for an accepted
// intent. Owned exclusively by the decision engine; everyone else sees it by
// value or not at all.
type ScheduledTransaction struct {
	Handle common.Hash
	Intent *TransactionIntent
	State  TxState

	Nonce          uint64
	NonceAllocated bool
	Fee            FeeParams

	// Degraded marks a submission where the caller's cap was below what
	// current conditions require; submitted best effort at the cap.
	Degraded bool

	SubmitCount  int
	RepriceCount int
	// Broadcast is set once the transaction has reached the network at
	// least once; from then on its nonce slot is committed externally.
	Broadcast bool
	// needsReprice is set when the broadcaster reports the submission
	// stuck; the next evaluation recomputes the fee on the same nonce.
	needsReprice bool

	// NextEligibleBlock defers re-evaluation after a rate-limit rejection.
	NextEligibleBlock uint64

	ReceivedAt     time.Time
	LastDecisionAt time.Time
	LastPricedAt   time.Time
	FailReason     string
	IncludedBlock  uint64
}

// DecisionKind is what the engine decided for a transaction during one
// evaluation.
type DecisionKind uint8

const (
	DecisionSubmit DecisionKind = iota
	DecisionSubmitAtCap
	DecisionDefer
	DecisionReprice
	DecisionExpire
	DecisionFail
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionSubmit:
		return "submit"
	case DecisionSubmitAtCap:
		return "submit_at_cap"
	case DecisionDefer:
		return "defer"
	case DecisionReprice:
		return "reprice"
	case DecisionExpire:
		return "expire"
	case DecisionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Submits reports whether the decision produces an outbound submission.
func (k DecisionKind) Submits() bool {
	return k == DecisionSubmit || k == DecisionSubmitAtCap || k == DecisionReprice
}

// Decision is one scheduling decision leaving the engine.
type Decision struct {
	Kind     DecisionKind
	Handle   common.Hash
	Nonce    uint64
	Fee      FeeParams
	Degraded bool
	Reason   string
}

// SubmissionRequest is the fully-decided parameter set handed to the
// broadcaster. Signing and wire encoding happen on the other side of this
// boundary.
type SubmissionRequest struct {
	Handle common.Hash    `json:"handle"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Data   hexutil.Bytes  `json:"data,omitempty"`
	Value  *hexutil.Big   `json:"value,omitempty"`

	Nonce             hexutil.Uint64 `json:"nonce"`
	MaxFeePerGas      hexutil.Uint64 `json:"maxFeePerGas"`
	PriorityFeePerGas hexutil.Uint64 `json:"priorityFeePerGas"`

	// Replacement marks a reprice of an earlier submission with the same
	// nonce.
	Replacement bool `json:"replacement,omitempty"`
	// Degraded marks a best-effort submission at the caller's cap.
	Degraded bool `json:"degraded,omitempty"`
}

// OutcomeKind is what the broadcaster reports back for a submission.
type OutcomeKind uint8

const (
	OutcomeIncluded OutcomeKind = iota
	OutcomeFailed
	OutcomeStaleNeedsReprice
)

// Outcome is a broadcaster's report for a submitted transaction.
type Outcome struct {
	Handle common.Hash
	Kind   OutcomeKind
	// Block is set for included transactions.
	Block uint64
	// Reason describes a failure.
	Reason string
	// Broadcast reports whether the transaction reached the network before
	// failing. Pre-broadcast failures free the nonce; anything else leaves
	// the nonce slot consumed.
	Broadcast bool
}

// ModeChangeEvent is published for observability when the operating mode
// flips. Informational only, no core logic depends on it being consumed.
type ModeChangeEvent struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Block uint64 `json:"block"`
}

// RegimeChangeEvent is published when the fee classification changes.
type RegimeChangeEvent struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Block      uint64  `json:"block"`
	BaseFee    uint64  `json:"baseFee"`
	Volatility float64 `json:"volatility"`
}
