// Package chain is the escrow coordinator: it moves collateral into and out
// of the on-chain escrow contract with idempotent, bounded calls and reports
// every outcome as a Result.
package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BaseUnitDecimals is the number of fractional digits of one asset unit
// (1 unit = 10^12 base units).
const BaseUnitDecimals = 12

// Asset identifies which token an escrow call moves.
type Asset string

const (
	AssetNative    Asset = "native"
	AssetSecondary Asset = "secondary"
)

// Valid reports whether a is a known asset.
func (a Asset) Valid() bool {
	return a == AssetNative || a == AssetSecondary
}

// Direction is the custody movement of a call.
type Direction string

const (
	DirectionLock    Direction = "lock"    // maker → escrow
	DirectionRelease Direction = "release" // escrow → taker
	DirectionRefund  Direction = "refund"  // escrow → maker
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionLock, DirectionRelease, DirectionRefund:
		return true
	}
	return false
}

// FailureKind classifies chain failures. The set is closed.
type FailureKind int

const (
	FailureChainUnavailable FailureKind = iota + 1
	FailureInsufficientFunds
	FailureRejected
)

func (k FailureKind) String() string {
	switch k {
	case FailureChainUnavailable:
		return "unavailable"
	case FailureInsufficientFunds:
		return "insufficient_funds"
	case FailureRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	ErrChainUnavailable  = errors.New("chain: unavailable")
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	ErrRejected          = errors.New("chain: rejected")
)

// Error is a typed chain failure.
type Error struct {
	Kind   FailureKind
	Op     string // stage that failed: prepare, broadcast, await, ...
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("chain: %s failed (%s)", e.Op, e.Kind)
	if e.TxHash != "" {
		msg += " tx " + e.TxHash
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrChainUnavailable:
		return e.Kind == FailureChainUnavailable
	case ErrInsufficientFunds:
		return e.Kind == FailureInsufficientFunds
	case ErrRejected:
		return e.Kind == FailureRejected
	}
	return false
}

// Unavailable builds a FailureChainUnavailable error.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: FailureChainUnavailable, Op: op, Err: err}
}

// Rejected builds a FailureRejected error.
func Rejected(op string, err error) *Error {
	return &Error{Kind: FailureRejected, Op: op, Err: err}
}

// InsufficientFunds builds a FailureInsufficientFunds error.
func InsufficientFunds(op string, err error) *Error {
	return &Error{Kind: FailureInsufficientFunds, Op: op, Err: err}
}

// classify turns any error into a typed one. Untyped errors are treated as
// transport failures.
func classify(op string, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return Unavailable(op, err)
}

// Receipt proves a finalized custody movement.
type Receipt struct {
	TxHash      string          `json:"txHash"`
	BlockNumber uint64          `json:"blockNumber"`
	Amount      decimal.Decimal `json:"amount"`
	Asset       Asset           `json:"assetType"`
	Direction   Direction       `json:"direction"`
	To          string          `json:"to"`
}

// Result is either a Receipt or a typed *Error, never both.
type Result struct {
	receipt Receipt
	err     *Error
}

// OK wraps a successful receipt.
func OK(r Receipt) Result { return Result{receipt: r} }

// Fail wraps a failure. A nil err is reported as unavailable.
func Fail(err *Error) Result {
	if err == nil {
		err = Unavailable("unknown", errors.New("empty failure"))
	}
	return Result{err: err}
}

// OK reports whether the call finalized.
func (r Result) OK() bool { return r.err == nil }

// Receipt returns the receipt; the bool is false on failure.
func (r Result) Receipt() (Receipt, bool) {
	if r.err != nil {
		return Receipt{}, false
	}
	return r.receipt, true
}

// Err returns the failure as an error, or nil.
func (r Result) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// Kind returns the failure kind, or 0 on success.
func (r Result) Kind() FailureKind {
	if r.err == nil {
		return 0
	}
	return r.err.Kind
}

// Unwrap splits the result in the usual (value, error) form.
func (r Result) Unwrap() (Receipt, error) {
	if r.err != nil {
		return Receipt{}, r.err
	}
	return r.receipt, nil
}

// Call is one custody movement requested by the order engine.
type Call struct {
	OrderID   string
	Direction Direction
	To        string // destination for release/refund, source for lock
	Amount    decimal.Decimal
	Asset     Asset
}

// Key is the idempotency key of the call.
func (c Call) Key() string {
	return c.OrderID + ":" + string(c.Direction)
}

func (c Call) validate() error {
	switch {
	case c.OrderID == "":
		return errors.New("order id required")
	case !c.Direction.Valid():
		return fmt.Errorf("unknown direction %q", c.Direction)
	case !c.Asset.Valid():
		return fmt.Errorf("unknown asset %q", c.Asset)
	case c.To == "":
		return errors.New("address required")
	case !c.Amount.IsPositive():
		return errors.New("amount must be positive")
	case !c.Amount.Equal(c.Amount.Truncate(BaseUnitDecimals)):
		return fmt.Errorf("amount has more than %d decimals", BaseUnitDecimals)
	}
	return nil
}

// SubmittedTx is a signed transaction pinned to a nonce. Broadcasting the
// same Payload again can never create a second transfer.
type SubmittedTx struct {
	Key         string
	TxHash      string
	Nonce       uint64
	Payload     []byte
	SubmittedAt time.Time
}
