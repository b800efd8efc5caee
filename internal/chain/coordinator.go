package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/p2pescrow/internal/circuitbreaker"
	"github.com/mbd888/p2pescrow/internal/metrics"
	"github.com/mbd888/p2pescrow/internal/retry"
	"github.com/mbd888/p2pescrow/internal/syncutil"
	"github.com/mbd888/p2pescrow/internal/traces"
	"github.com/shopspring/decimal"
)

const (
	defaultCallTimeout = 60 * time.Second
	defaultBreakerKey  = "escrow-pallet"
)

// Coordinator drives escrow calls through a Pallet.
//
// Each call is serialized per idempotency key, bounded by the call timeout
// and recorded in the AttemptStore before it is broadcast. A repeated call
// for the same key re-broadcasts the stored transaction instead of signing
// a new one, so a timed-out lock can be retried without double-locking.
type Coordinator struct {
	pallet      Pallet
	attempts    AttemptStore
	breaker     *circuitbreaker.Breaker
	breakerKey  string
	locks       *syncutil.KeyedMutex
	retry       retry.Policy
	callTimeout time.Duration
	finality    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithCallTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithFinalityTimeout bounds each finality wait separately from the whole
// call, so a slow block still leaves time to report ChainUnavailable.
func WithFinalityTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.finality = d
		}
	}
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Coordinator) { c.breaker = b }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Coordinator) { c.retry = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator over pallet.
func NewCoordinator(pallet Pallet, attempts AttemptStore, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		pallet:      pallet,
		attempts:    attempts,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		breakerKey:  defaultBreakerKey,
		locks:       syncutil.NewKeyedMutex(0),
		retry:       retry.DefaultPolicy,
		callTimeout: defaultCallTimeout,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lock moves amount from the maker's address into escrow for orderID.
func (c *Coordinator) Lock(ctx context.Context, orderID, makerAddr string, amount decimal.Decimal, asset Asset) Result {
	return c.Execute(ctx, Call{OrderID: orderID, Direction: DirectionLock, To: makerAddr, Amount: amount, Asset: asset})
}

// Release pays the escrowed amount of orderID to the taker's address.
func (c *Coordinator) Release(ctx context.Context, orderID, takerAddr string, amount decimal.Decimal, asset Asset) Result {
	return c.Execute(ctx, Call{OrderID: orderID, Direction: DirectionRelease, To: takerAddr, Amount: amount, Asset: asset})
}

// Refund returns the escrowed amount of orderID to the maker's address.
func (c *Coordinator) Refund(ctx context.Context, orderID, makerAddr string, amount decimal.Decimal, asset Asset) Result {
	return c.Execute(ctx, Call{OrderID: orderID, Direction: DirectionRefund, To: makerAddr, Amount: amount, Asset: asset})
}

// Healthy reports whether the pallet circuit is not open.
func (c *Coordinator) Healthy() bool {
	return c.breaker.State(c.breakerKey) != circuitbreaker.StateOpen
}

// Execute runs call to finality. It never panics on pallet misbehaviour and
// never returns a Result that is neither a receipt nor a typed failure.
func (c *Coordinator) Execute(ctx context.Context, call Call) Result {
	start := c.now()
	ctx, span := traces.StartSpan(ctx, "chain."+string(call.Direction),
		traces.OrderID(call.OrderID), traces.Direction(string(call.Direction)), traces.Amount(call.Amount.String()))

	res := c.execute(ctx, call)

	result := "ok"
	if !res.OK() {
		result = res.Kind().String()
	} else if r, ok := res.Receipt(); ok {
		span.SetAttributes(traces.TxHash(r.TxHash))
	}
	metrics.ChainCallsTotal.WithLabelValues(string(call.Direction), result).Inc()
	metrics.ChainCallDuration.WithLabelValues(string(call.Direction)).Observe(c.now().Sub(start).Seconds())
	traces.End(span, res.Err())

	if !res.OK() {
		c.logger.Warn("escrow call failed",
			"order_id", call.OrderID, "direction", call.Direction, "kind", res.Kind().String(), "error", res.Err())
	}
	return res
}

func (c *Coordinator) execute(ctx context.Context, call Call) Result {
	if err := call.validate(); err != nil {
		return Fail(Rejected("validate", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	unlock, err := c.locks.Lock(ctx, call.Key())
	if err != nil {
		return Fail(Unavailable("acquire", err))
	}
	defer unlock()

	if !c.breaker.Allow(c.breakerKey) {
		return Fail(Unavailable("breaker", circuitbreaker.ErrOpen))
	}

	receipt, err := c.run(ctx, call)
	if err != nil {
		ce := classify("await", err)
		if ce.Kind == FailureChainUnavailable {
			c.breaker.RecordFailure(c.breakerKey)
		} else {
			c.breaker.RecordSuccess(c.breakerKey)
		}
		return Fail(ce)
	}
	c.breaker.RecordSuccess(c.breakerKey)
	return OK(receipt)
}

func (c *Coordinator) run(ctx context.Context, call Call) (Receipt, error) {
	att, err := c.attempts.Get(ctx, call.Key())
	switch {
	case errors.Is(err, ErrAttemptNotFound):
		att = nil
	case err != nil:
		return Receipt{}, Unavailable("attempt_lookup", err)
	}

	if att != nil {
		if !att.matches(call) {
			return Receipt{}, Rejected("idempotency",
				fmt.Errorf("key %s already used for a different transfer", call.Key()))
		}
		if att.Status == AttemptFinalized {
			return att.receipt(), nil
		}
		c.logger.Info("re-broadcasting pending escrow call",
			"order_id", call.OrderID, "direction", call.Direction, "tx_hash", att.Tx.TxHash, "nonce", att.Tx.Nonce)
	} else {
		tx, err := c.pallet.Prepare(ctx, call)
		if err != nil {
			return Receipt{}, classify("prepare", err)
		}
		tx.Key = call.Key()
		if tx.SubmittedAt.IsZero() {
			tx.SubmittedAt = c.now()
		}
		att = newAttempt(call, tx, c.now())
		if err := c.attempts.Save(ctx, att); err != nil {
			// Not broadcast yet, so nothing can have moved.
			return Receipt{}, Unavailable("attempt_save", err)
		}
	}

	if err := c.broadcast(ctx, att.Tx); err != nil {
		return Receipt{}, c.settleFailure(ctx, att, "broadcast", err)
	}

	awaitCtx := ctx
	if c.finality > 0 {
		var cancel context.CancelFunc
		awaitCtx, cancel = context.WithTimeout(ctx, c.finality)
		defer cancel()
	}
	fin, err := c.pallet.AwaitFinality(awaitCtx, att.Tx)
	if err != nil {
		if awaitCtx.Err() != nil {
			return Receipt{}, &Error{Kind: FailureChainUnavailable, Op: "await", TxHash: att.Tx.TxHash, Err: awaitCtx.Err()}
		}
		return Receipt{}, c.settleFailure(ctx, att, "await", err)
	}

	att.Status = AttemptFinalized
	att.BlockNumber = fin.BlockNumber
	att.UpdatedAt = c.now()
	if err := c.attempts.Save(ctx, att); err != nil {
		// The next call for this key awaits the same tx and gets the same receipt.
		c.logger.Warn("failed to mark escrow attempt finalized",
			"key", att.Key, "tx_hash", att.Tx.TxHash, "error", err)
	}
	return att.receipt(), nil
}

func (c *Coordinator) broadcast(ctx context.Context, tx SubmittedTx) error {
	policy := c.retry
	policy.OnRetry = func(attempt int, err error) {
		c.logger.Debug("escrow broadcast retry", "key", tx.Key, "attempt", attempt, "error", err)
	}
	return retry.Run(ctx, policy, func() error {
		err := c.pallet.Broadcast(ctx, tx)
		if err == nil {
			return nil
		}
		if ce := classify("broadcast", err); ce.Kind != FailureChainUnavailable {
			return retry.Permanent(ce)
		}
		return err
	})
}

// settleFailure classifies err. Definitive failures drop the attempt so the
// next call can sign a fresh transaction; transport failures keep it pending.
func (c *Coordinator) settleFailure(ctx context.Context, att *Attempt, op string, err error) error {
	ce := classify(op, err)
	if ce.TxHash == "" {
		ce.TxHash = att.Tx.TxHash
	}
	if ce.Kind == FailureChainUnavailable {
		return ce
	}
	if derr := c.attempts.Delete(context.WithoutCancel(ctx), att.Key); derr != nil {
		c.logger.Error("failed to drop failed escrow attempt", "key", att.Key, "error", derr)
	}
	return ce
}
