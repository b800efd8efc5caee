package chain

import "context"

// Pallet is the escrow contract boundary.
//
// Prepare builds and signs a transaction without sending it. Broadcast sends
// a prepared transaction and must treat "already known" as success.
// AwaitFinality blocks until the transaction is final or ctx ends; the
// returned Receipt only needs TxHash and BlockNumber.
//
// Implementations return *Error for failures they can classify.
type Pallet interface {
	Prepare(ctx context.Context, call Call) (SubmittedTx, error)
	Broadcast(ctx context.Context, tx SubmittedTx) error
	AwaitFinality(ctx context.Context, tx SubmittedTx) (Receipt, error)
}
