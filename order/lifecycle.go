package order

import "fmt"

var transitions = map[Status][]Status{
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusCancelled},
	StatusDelivered:  {StatusRefunded},
	StatusCancelled:  {StatusRefunded},
	StatusRefunded:   nil,
}

// ValidateTransition returns ErrInvalidTransition unless from -> to is allowed.
func ValidateTransition(from, to Status) error {
	next, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	for _, s := range next {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ApplyEvent appends ev and advances the status when the event completes the
// current stage: shipped while processing, delivered while shipped.
func ApplyEvent(o *Order, ev Event) error {
	if _, ok := validEvents[ev.Type]; !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	if o.Status == StatusRefunded || o.Status == StatusCancelled {
		return fmt.Errorf("%w: order is %s", ErrInvalidEvent, o.Status)
	}
	o.Events = append(o.Events, ev)
	switch {
	case ev.Type == EventShipped && o.Status == StatusProcessing:
		o.Status = StatusShipped
	case ev.Type == EventDelivered && o.Status == StatusShipped:
		o.Status = StatusDelivered
	}
	return nil
}

var validEvents = map[EventType]struct{}{
	EventProcessing:     {},
	EventShipped:        {},
	EventInTransit:      {},
	EventOutForDelivery: {},
	EventDelivered:      {},
	EventReturned:       {},
}

var validAdjustments = map[AdjustmentType]struct{}{
	AdjustmentRefund:  {},
	AdjustmentReturn:  {},
	AdjustmentCredit:  {},
	AdjustmentDispute: {},
}

// ApplyAdjustment appends adj. A refund that would push cumulative refunds
// past the order total is rejected and o is left unchanged; a refund that
// reaches the total marks the order refunded.
func ApplyAdjustment(o *Order, adj Adjustment) error {
	if _, ok := validAdjustments[adj.Type]; !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAdjustment, adj.Type)
	}
	if adj.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAdjustment)
	}
	if adj.Type == AdjustmentRefund {
		if o.Status == StatusRefunded {
			return fmt.Errorf("%w: order is already refunded", ErrRefundExceedsTotal)
		}
		if o.Refunded()+adj.Amount > o.Total() {
			return fmt.Errorf("%w: %d already refunded of %d, requested %d", ErrRefundExceedsTotal, o.Refunded(), o.Total(), adj.Amount)
		}
	}
	o.Adjustments = append(o.Adjustments, adj)
	if adj.Type == AdjustmentRefund && o.Refunded() == o.Total() {
		o.Status = StatusRefunded
	}
	return nil
}
