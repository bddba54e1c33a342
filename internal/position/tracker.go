// Package position keeps per-user, per-leg filled quantities of the box.
// Every (user, leg) has its own lock; there is no lock across users.
package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/your-org/box-spread-bot/internal/leg"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrExceedsTarget   = errors.New("entry quantity would exceed target")
	ErrExceedsEntry    = errors.New("exit quantity would exceed entry")
	ErrTargetBelow     = errors.New("target below entered quantity")
	ErrUnknownLeg      = errors.New("leg not tracked for user")
)

// State is the filled quantity of one leg of one user.
// 0 <= Exit <= Entry <= Target always holds.
type State struct {
	UserID   string     `json:"user_id"`
	LegKey   string     `json:"leg"`
	Action   leg.Action `json:"-"`
	Target   int        `json:"target"`
	Entry    int        `json:"entry"`
	Exit     int        `json:"exit"`
	EntryAvg float64    `json:"entry_avg"`
	ExitAvg  float64    `json:"exit_avg"`
	Realized float64    `json:"realized_pnl"`
}

// Open is the quantity still to be exited.
func (s State) Open() int { return s.Entry - s.Exit }

// RemainingEntry is the quantity still to be entered.
func (s State) RemainingEntry() int { return s.Target - s.Entry }

type key struct {
	user string
	leg  string
}

type slot struct {
	mu sync.Mutex
	st State
}

// Tracker is the position book of every user.
type Tracker struct {
	mu    sync.RWMutex
	slots map[key]*slot
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{slots: make(map[key]*slot)}
}

func (t *Tracker) slot(user, legKey string) (*slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.slots[key{user, legKey}]
	return s, ok
}

// SetTarget registers a leg for a user or changes its target. A target
// below the already entered quantity is rejected.
func (t *Tracker) SetTarget(user string, l leg.Leg, target int) error {
	if target < 0 {
		return fmt.Errorf("%w: target %d", ErrInvalidQuantity, target)
	}
	t.mu.Lock()
	s, ok := t.slots[key{user, l.Key}]
	if !ok {
		s = &slot{st: State{UserID: user, LegKey: l.Key, Action: l.Action}}
		t.slots[key{user, l.Key}] = s
	}
	t.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if target < s.st.Entry {
		return fmt.Errorf("%w: %s/%s target %d < entry %d", ErrTargetBelow, user, l.Key, target, s.st.Entry)
	}
	s.st.Target = target
	return nil
}

// AddEntry records an entry fill.
func (t *Tracker) AddEntry(user, legKey string, qty int, price float64) (State, error) {
	if qty <= 0 {
		return State{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	s, ok := t.slot(user, legKey)
	if !ok {
		return State{}, fmt.Errorf("%w: %s/%s", ErrUnknownLeg, user, legKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Entry+qty > s.st.Target {
		return s.st, fmt.Errorf("%w: %s/%s %d+%d > %d", ErrExceedsTarget, user, legKey, s.st.Entry, qty, s.st.Target)
	}
	s.st.EntryAvg = vwap(s.st.EntryAvg, s.st.Open(), price, qty)
	s.st.Entry += qty
	return s.st, nil
}

// AddExit records an exit fill and returns the PnL it realizes.
func (t *Tracker) AddExit(user, legKey string, qty int, price float64) (State, float64, error) {
	if qty <= 0 {
		return State{}, 0, fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	s, ok := t.slot(user, legKey)
	if !ok {
		return State{}, 0, fmt.Errorf("%w: %s/%s", ErrUnknownLeg, user, legKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Exit+qty > s.st.Entry {
		return s.st, 0, fmt.Errorf("%w: %s/%s %d+%d > %d", ErrExceedsEntry, user, legKey, s.st.Exit, qty, s.st.Entry)
	}
	// a long leg earns when it is sold higher, a short leg when bought back lower
	realized := (price - s.st.EntryAvg) * float64(qty) * s.st.Action.Sign()
	s.st.ExitAvg = vwap(s.st.ExitAvg, s.st.Exit, price, qty)
	s.st.Exit += qty
	s.st.Realized += realized
	if s.st.Open() == 0 {
		s.st.EntryAvg = 0
	}
	return s.st, realized, nil
}

func vwap(avg float64, held int, price float64, qty int) float64 {
	if held <= 0 {
		return price
	}
	return (avg*float64(held) + price*float64(qty)) / float64(held+qty)
}

// Get returns the state of one leg.
func (t *Tracker) Get(user, legKey string) (State, bool) {
	s, ok := t.slot(user, legKey)
	if !ok {
		return State{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st, true
}

// Open is the open quantity of one leg, 0 when untracked.
func (t *Tracker) Open(user, legKey string) int {
	st, _ := t.Get(user, legKey)
	return st.Open()
}

// User returns the legs of one user sorted by leg key.
func (t *Tracker) User(user string) []State {
	var out []State
	for _, st := range t.Snapshot() {
		if st.UserID == user {
			out = append(out, st)
		}
	}
	return out
}

// Snapshot returns every tracked leg sorted by user and leg key. Each state
// is consistent on its own; states of different legs may be one update apart.
func (t *Tracker) Snapshot() []State {
	t.mu.RLock()
	slots := make([]*slot, 0, len(t.slots))
	for _, s := range t.slots {
		slots = append(slots, s)
	}
	t.mu.RUnlock()

	out := make([]State, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		out = append(out, s.st)
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].LegKey < out[j].LegKey
	})
	return out
}
