package funding

import (
	"math/big"
	"sync"
	"time"

	"github.com/uhyunpark/perpcore/pkg/util"
)

// SecondsPerYear converts yearly funding factors into per-second rates
const SecondsPerYear = 365 * 24 * 3600

// RateSource supplies the funding rate of a market at a point in time
// Rates are signed per-second values with 18 decimals; positive means longs pay shorts
type RateSource interface {
	Rate(market string, at time.Time) *big.Int
}

// RateFunc adapts a function to RateSource
type RateFunc func(market string, at time.Time) *big.Int

func (f RateFunc) Rate(market string, at time.Time) *big.Int { return f(market, at) }

// State is the cumulative funding index of one market
type State struct {
	Index   *big.Int `json:"index"`   // 18 decimals, signed
	Updated int64    `json:"updated"` // unix seconds of last accrual
}

func (s State) Clone() State {
	return State{Index: util.Copy(s.Index), Updated: s.Updated}
}

// Engine accrues funding lazily: the index only moves when a market is touched
type Engine struct {
	mu     sync.Mutex
	source RateSource
	states map[string]State
}

func NewEngine(source RateSource) *Engine {
	return &Engine{
		source: source,
		states: make(map[string]State),
	}
}

// advance computes the state at now without storing it (assumes lock is held)
func (e *Engine) advance(market string, now time.Time) State {
	st, ok := e.states[market]
	if !ok {
		// First touch starts the clock at zero
		return State{Index: new(big.Int), Updated: now.Unix()}
	}
	st = st.Clone()

	elapsed := now.Unix() - st.Updated
	if elapsed <= 0 {
		return st
	}
	if rate := e.source.Rate(market, now); rate != nil && rate.Sign() != 0 {
		st.Index.Add(st.Index, new(big.Int).Mul(rate, big.NewInt(elapsed)))
	}
	st.Updated = now.Unix()
	return st
}

// Accrue brings the market's index up to now and returns it
func (e *Engine) Accrue(market string, now time.Time) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.advance(market, now)
	e.states[market] = st
	return st.Clone()
}

// Preview returns the index as it would be at now, without accruing
func (e *Engine) Preview(market string, now time.Time) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.advance(market, now)
}

// Restore installs a persisted state (startup only)
func (e *Engine) Restore(market string, st State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[market] = st.Clone()
}

// State returns the market's last accrued state
func (e *Engine) State(market string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[market]
	if !ok {
		return State{}, false
	}
	return st.Clone(), true
}

// Snapshot returns a copy of every market's state
func (e *Engine) Snapshot() map[string]State {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]State, len(e.states))
	for m, st := range e.states {
		out[m] = st.Clone()
	}
	return out
}

// Owed is the funding a position owes since its tracker, in collateral units
// (index - tracker) * size / 1e18, negated for shorts; positive means the position pays
func Owed(index, tracker, size *big.Int, isLong bool) *big.Int {
	delta := new(big.Int).Sub(util.Big(index), util.Big(tracker))
	owed := delta.Mul(delta, util.Big(size))
	owed.Quo(owed, util.Unit)
	if !isLong {
		owed.Neg(owed)
	}
	return owed
}
