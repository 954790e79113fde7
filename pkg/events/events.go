package events

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Type names a ledger event
type Type string

const (
	OrderCreated       Type = "OrderCreated"
	OrderCancelled     Type = "OrderCancelled"
	OrderExecuted      Type = "OrderExecuted"
	PositionLiquidated Type = "PositionLiquidated"
	FundingSettled     Type = "FundingSettled"
)

// Event carries everything needed to reconcile a ledger change off-line
// Amount fields are omitted when they do not apply to the event type
type Event struct {
	ID        string `json:"id"`  // uuid
	Seq       uint64 `json:"seq"` // commit order, gap-free per process
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`

	OrderID       uint64         `json:"orderId,omitempty"`
	User          common.Address `json:"user"`
	Asset         common.Address `json:"asset"`
	Market        string         `json:"market"`
	IsLong        bool           `json:"isLong"`
	Margin        *big.Int       `json:"margin,omitempty"`
	Size          *big.Int       `json:"size,omitempty"`
	Price         *big.Int       `json:"price,omitempty"`
	Fee           *big.Int       `json:"fee,omitempty"`
	OrderType     string         `json:"orderType,omitempty"`
	IsReduceOnly  bool           `json:"isReduceOnly,omitempty"`
	Expiry        int64          `json:"expiry,omitempty"`
	CancelOrderID uint64         `json:"cancelOrderId,omitempty"`

	PnL        *big.Int        `json:"pnl,omitempty"`
	Funding    *big.Int        `json:"funding,omitempty"` // positive = paid by the position
	Reason     string          `json:"reason,omitempty"`
	Liquidator *common.Address `json:"liquidator,omitempty"`
	Reward     *big.Int        `json:"reward,omitempty"`
}

// New returns an event of type t with a fresh id
func New(t Type, ts int64) Event {
	return Event{ID: uuid.NewString(), Type: t, Timestamp: ts}
}

// Sink receives committed events in commit order
type Sink interface {
	Publish(evs []Event)
}

// Multi fans events out to several sinks
type Multi []Sink

func (m Multi) Publish(evs []Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(evs)
		}
	}
}

// Nop discards events
type Nop struct{}

func (Nop) Publish([]Event) {}

// Recorder keeps every published event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(evs []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
}

// Events returns a copy of everything recorded
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
