package domain

import "errors"

// Actor is the role performing a lifecycle transition, as asserted by the
// identity collaborator.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorRetailer Actor = "retailer"
	ActorAdmin    Actor = "admin"
	ActorSystem   Actor = "system"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict reports a lost compare-and-swap race; the caller should
	// reload and retry.
	ErrConflict = errors.New("concurrent update conflict")
)

// transitions is the full lifecycle table. A (from, to) pair absent from it
// is rejected for every actor; a present pair is allowed only for the listed
// actors. Payment preconditions (captured before processing, not captured
// before cancel, captured before refund) are checked in CheckTransition.
var transitions = map[OrderStatus]map[OrderStatus][]Actor{
	StatusPending: {
		StatusProcessing: {ActorRetailer, ActorSystem},
		StatusCancelled:  {ActorCustomer, ActorRetailer, ActorSystem},
		StatusRefunded:   {ActorRetailer, ActorAdmin},
	},
	StatusProcessing: {
		StatusReadyForPickup: {ActorRetailer},
		StatusCancelled:      {ActorRetailer, ActorSystem},
		StatusRefunded:       {ActorRetailer, ActorAdmin},
	},
	StatusReadyForPickup: {
		StatusCompleted: {ActorRetailer},
		StatusRefunded:  {ActorRetailer, ActorAdmin},
	},
}

func IsTerminal(s OrderStatus) bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

func ValidStatus(s OrderStatus) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReadyForPickup, StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

func ValidActor(a Actor) bool {
	switch a {
	case ActorCustomer, ActorRetailer, ActorAdmin, ActorSystem:
		return true
	}
	return false
}

// CheckTransition validates a requested lifecycle transition against the
// table and the order's payment state. It does not mutate the order; the
// caller applies the transition with a conditional update keyed on the
// current status.
func CheckTransition(o *Order, to OrderStatus, actor Actor) error {
	allowed, ok := transitions[o.Status][to]
	if !ok {
		return ErrInvalidTransition
	}

	actorOK := false
	for _, a := range allowed {
		if a == actor {
			actorOK = true
			break
		}
	}
	if !actorOK {
		return ErrInvalidTransition
	}

	switch to {
	case StatusProcessing:
		// Online orders cannot start fulfilment until the payment is captured.
		if o.PaymentMethod == PaymentMethodOnline && o.Payment.Status != PaymentCaptured {
			return ErrInvalidTransition
		}
	case StatusCancelled:
		if o.Payment.Status == PaymentCaptured {
			// Captured money has to go back through a refund, not a cancel.
			return ErrInvalidTransition
		}
	case StatusRefunded:
		if !o.Payment.CanRefund() {
			return ErrInvalidTransition
		}
	}

	return nil
}
