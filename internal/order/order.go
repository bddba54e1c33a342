// Package order models the lifecycle of a single leg order.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/your-org/box-spread-bot/internal/leg"
)

// State is the lifecycle state of an order.
type State int

const (
	Idle State = iota
	Placed
	PartiallyFilled
	Filled
	Cancelled
	Failed
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Placed:
		return "PLACED"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Filled || s == Cancelled || s == Failed
}

// transitions is the full table. A state missing from a row cannot be
// reached from that row's state; staying in the same state is always allowed.
var transitions = map[State][]State{
	Idle:            {Placed, Filled, PartiallyFilled, Cancelled, Failed},
	Placed:          {PartiallyFilled, Filled, Cancelled, Failed},
	PartiallyFilled: {Filled, Cancelled, Failed},
	Filled:          {},
	Cancelled:       {},
	Failed:          {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned by Order.Apply for a move the table forbids.
var ErrInvalidTransition = errors.New("invalid order state transition")

// ErrOverfill is returned when a status reports more than the order quantity.
var ErrOverfill = errors.New("filled quantity exceeds order quantity")

// Style is how an order is worked.
type Style int

const (
	StyleLimit Style = iota
	StyleIOC
)

func (s Style) String() string {
	if s == StyleIOC {
		return "IOC"
	}
	return "LIMIT"
}

// Spec is what the broker is asked to place.
type Spec struct {
	UserID     string
	LegKey     string
	Instrument string
	Action     leg.Action
	Quantity   int
	LimitPrice float64
	Style      Style
	Tag        string
}

// Status is what the broker reports about an order.
type Status struct {
	OrderID   string
	FilledQty int
	AvgPrice  float64
	State     State
	Message   string
}

// Order tracks one placement. It is never reused after a terminal state.
type Order struct {
	ID        string
	Spec      Spec
	State     State
	FilledQty int
	AvgPrice  float64
	History   []State
	UpdatedAt time.Time
}

// New returns an Idle order for spec.
func New(spec Spec) *Order {
	return &Order{Spec: spec, State: Idle, History: []State{Idle}, UpdatedAt: time.Now()}
}

// MarkPlaced records the broker id and moves to Placed.
func (o *Order) MarkPlaced(id string) error {
	o.ID = id
	return o.transition(Placed)
}

// MarkFailed moves the order to Failed.
func (o *Order) MarkFailed() error {
	return o.transition(Failed)
}

// Apply folds a broker status into the order. Filled quantity never
// decreases.
func (o *Order) Apply(st Status) error {
	if st.FilledQty > o.Spec.Quantity {
		return fmt.Errorf("%w: %d > %d", ErrOverfill, st.FilledQty, o.Spec.Quantity)
	}
	if st.FilledQty < o.FilledQty {
		st.FilledQty, st.AvgPrice = o.FilledQty, o.AvgPrice
	}
	next := st.State
	switch {
	case st.FilledQty == o.Spec.Quantity && o.Spec.Quantity > 0:
		next = Filled
	case st.FilledQty > 0 && (next == Placed || next == Idle):
		next = PartiallyFilled
	}
	if err := o.transition(next); err != nil {
		return err
	}
	o.FilledQty = st.FilledQty
	if st.FilledQty > 0 {
		o.AvgPrice = st.AvgPrice
	}
	return nil
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int {
	return o.Spec.Quantity - o.FilledQty
}

func (o *Order) transition(to State) error {
	if !CanTransition(o.State, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.State, to, o.ID)
	}
	if o.State != to {
		o.History = append(o.History, to)
	}
	o.State = to
	o.UpdatedAt = time.Now()
	return nil
}
