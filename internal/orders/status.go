package orders

// Status is the lifecycle state of an order.
type Status string

const (
	StatusAwaitingEscrow       Status = "AWAITING_ESCROW"
	StatusAwaitingFiatPayment  Status = "AWAITING_FIAT_PAYMENT"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusReleased             Status = "RELEASED"
	StatusCancelled            Status = "CANCELLED"
	StatusExpired              Status = "EXPIRED"
	StatusDisputeOpen          Status = "DISPUTE_OPEN"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusAwaitingEscrow,
	StatusAwaitingFiatPayment,
	StatusAwaitingConfirmation,
	StatusReleased,
	StatusCancelled,
	StatusExpired,
	StatusDisputeOpen,
}

// ActiveStatuses are the statuses still waiting on someone.
var ActiveStatuses = []Status{
	StatusAwaitingEscrow,
	StatusAwaitingFiatPayment,
	StatusAwaitingConfirmation,
	StatusDisputeOpen,
}

// HistoryStatuses are the terminal statuses.
var HistoryStatuses = []Status{
	StatusReleased,
	StatusCancelled,
	StatusExpired,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal returns true for statuses that no timeout or party action
// other than a retroactive dispute can leave.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Trigger is an event that may move an order between statuses.
type Trigger string

const (
	TriggerEscrowConfirmed       Trigger = "escrow_confirmed"
	TriggerDeclarePaid           Trigger = "declare_paid"
	TriggerConfirmReceived       Trigger = "confirm_received"
	TriggerCancel                Trigger = "cancel"
	TriggerOpenDispute           Trigger = "open_dispute"
	TriggerTimeoutNoEscrow       Trigger = "timeout_no_escrow"
	TriggerTimeoutNoPayment      Trigger = "timeout_no_payment"
	TriggerTimeoutNoConfirmation Trigger = "timeout_no_confirmation"
	TriggerResolveRelease        Trigger = "resolve_release"
	TriggerResolveRefund         Trigger = "resolve_refund"
)

// Triggers lists every trigger.
var Triggers = []Trigger{
	TriggerEscrowConfirmed,
	TriggerDeclarePaid,
	TriggerConfirmReceived,
	TriggerCancel,
	TriggerOpenDispute,
	TriggerTimeoutNoEscrow,
	TriggerTimeoutNoPayment,
	TriggerTimeoutNoConfirmation,
	TriggerResolveRelease,
	TriggerResolveRefund,
}

// IsTimeout reports whether t is raised by the sweeper rather than a person.
func (t Trigger) IsTimeout() bool {
	switch t {
	case TriggerTimeoutNoEscrow, TriggerTimeoutNoPayment, TriggerTimeoutNoConfirmation:
		return true
	}
	return false
}

// Next is the transition table. It is defined for every (status, trigger)
// pair and returns ErrInvalidTransition for pairs the lifecycle forbids.
func Next(from Status, t Trigger) (Status, error) {
	switch from {
	case StatusAwaitingEscrow:
		switch t {
		case TriggerEscrowConfirmed:
			return StatusAwaitingFiatPayment, nil
		case TriggerCancel, TriggerTimeoutNoEscrow:
			return StatusCancelled, nil
		case TriggerOpenDispute:
			return StatusDisputeOpen, nil
		}
	case StatusAwaitingFiatPayment:
		switch t {
		case TriggerDeclarePaid:
			return StatusAwaitingConfirmation, nil
		case TriggerTimeoutNoPayment:
			return StatusExpired, nil
		case TriggerOpenDispute:
			return StatusDisputeOpen, nil
		}
	case StatusAwaitingConfirmation:
		switch t {
		case TriggerConfirmReceived:
			return StatusReleased, nil
		case TriggerTimeoutNoConfirmation, TriggerOpenDispute:
			return StatusDisputeOpen, nil
		}
	case StatusReleased, StatusCancelled, StatusExpired:
		// A settled order can be contested after the fact.
		if t == TriggerOpenDispute {
			return StatusDisputeOpen, nil
		}
	case StatusDisputeOpen:
		switch t {
		case TriggerResolveRelease:
			return StatusReleased, nil
		case TriggerResolveRefund:
			return StatusCancelled, nil
		}
	}
	return from, ErrInvalidTransition
}
