// Package leg defines the legs of a box and how they are grouped into pairs.
package leg

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the order action of a leg.
type Action int

const (
	Buy Action = iota
	Sell
)

// String returns the string representation of the Action.
func (a Action) String() string {
	switch a {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Invert returns the closing action.
func (a Action) Invert() Action {
	if a == Buy {
		return Sell
	}
	return Buy
}

// Sign is +1 for BUY and -1 for SELL.
func (a Action) Sign() float64 {
	if a == Buy {
		return 1
	}
	return -1
}

// ParseAction parses "BUY" or "SELL" (case insensitive).
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B":
		return Buy, nil
	case "SELL", "S":
		return Sell, nil
	}
	return Buy, fmt.Errorf("unknown action %q", s)
}

// Leg is one instrument of the box. Immutable after the Set is built.
type Leg struct {
	Key        string
	Instrument string
	Action     Action
	Quantity   int
}

func (l Leg) String() string {
	return fmt.Sprintf("%s(%s %s x%d)", l.Key, l.Action, l.Instrument, l.Quantity)
}

// Pair is two legs sharing the same action.
type Pair struct {
	Action Action
	Legs   [2]Leg
}

// Name is a stable identifier of the pair, e.g. "BUY:leg1+leg2".
func (p Pair) Name() string {
	return fmt.Sprintf("%s:%s+%s", p.Action, p.Legs[0].Key, p.Legs[1].Key)
}

// Swapped returns the pair with its legs in reverse order.
func (p Pair) Swapped() Pair {
	return Pair{Action: p.Action, Legs: [2]Leg{p.Legs[1], p.Legs[0]}}
}

// Contains reports whether the pair holds the leg with the given key.
func (p Pair) Contains(key string) bool {
	return p.Legs[0].Key == key || p.Legs[1].Key == key
}

// Set is the full box: four legs, a BUY pair and a SELL pair.
type Set struct {
	Legs       []Leg
	Buy        Pair
	Sell       Pair
	BiddingKey string
	exit       bool
}

var (
	ErrLegCount   = errors.New("a box needs exactly four legs")
	ErrPairShape  = errors.New("a box needs two BUY legs and two SELL legs")
	ErrDuplicate  = errors.New("duplicate leg key")
	ErrNoBidding  = errors.New("bidding leg is not part of the box")
	ErrBadLegSpec = errors.New("invalid leg")
)

// NewSet groups the legs into pairs by action. biddingKey may be empty.
func NewSet(legs []Leg, biddingKey string) (*Set, error) {
	if len(legs) != 4 {
		return nil, fmt.Errorf("%w: got %d", ErrLegCount, len(legs))
	}
	seen := make(map[string]struct{}, 4)
	var buys, sells []Leg
	for _, l := range legs {
		if l.Key == "" || l.Instrument == "" || l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrBadLegSpec, l)
		}
		if _, ok := seen[l.Key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, l.Key)
		}
		seen[l.Key] = struct{}{}
		if l.Action == Buy {
			buys = append(buys, l)
		} else {
			sells = append(sells, l)
		}
	}
	if len(buys) != 2 || len(sells) != 2 {
		return nil, ErrPairShape
	}
	if biddingKey != "" {
		if _, ok := seen[biddingKey]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoBidding, biddingKey)
		}
	}
	cp := make([]Leg, len(legs))
	copy(cp, legs)
	return &Set{
		Legs:       cp,
		Buy:        Pair{Action: Buy, Legs: [2]Leg{buys[0], buys[1]}},
		Sell:       Pair{Action: Sell, Legs: [2]Leg{sells[0], sells[1]}},
		BiddingKey: biddingKey,
	}, nil
}

// ForExit returns the closing set: every action inverted, so the entry SELL
// legs form the exit BUY pair and the entry BUY legs form the exit SELL pair.
func (s *Set) ForExit() *Set {
	legs := make([]Leg, len(s.Legs))
	for i, l := range s.Legs {
		l.Action = l.Action.Invert()
		legs[i] = l
	}
	invert := func(p Pair) Pair {
		out := Pair{Action: p.Action.Invert()}
		for i, l := range p.Legs {
			l.Action = l.Action.Invert()
			out.Legs[i] = l
		}
		return out
	}
	return &Set{
		Legs:       legs,
		Buy:        invert(s.Sell),
		Sell:       invert(s.Buy),
		BiddingKey: s.BiddingKey,
		exit:       true,
	}
}

// IsExit reports whether the set was built by ForExit.
func (s *Set) IsExit() bool { return s.exit }

// Pair returns the pair with the given action.
func (s *Set) Pair(a Action) Pair {
	if a == Buy {
		return s.Buy
	}
	return s.Sell
}

// Leg looks a leg up by key.
func (s *Set) Leg(key string) (Leg, bool) {
	for _, l := range s.Legs {
		if l.Key == key {
			return l, true
		}
	}
	return Leg{}, false
}

// Others returns every leg except the one with the given key.
func (s *Set) Others(key string) []Leg {
	out := make([]Leg, 0, len(s.Legs)-1)
	for _, l := range s.Legs {
		if l.Key != key {
			out = append(out, l)
		}
	}
	return out
}
