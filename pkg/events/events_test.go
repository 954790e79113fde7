package events

import (
	"math/big"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecorderAndMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi{a, nil, b}

	e1 := New(OrderCreated, 10)
	e2 := New(OrderExecuted, 11)
	sink.Publish([]Event{e1, e2})

	if len(a.Events()) != 2 || len(b.Events()) != 2 {
		t.Fatalf("recorders got %d / %d events", len(a.Events()), len(b.Events()))
	}
	if got := a.OfType(OrderExecuted); len(got) != 1 || got[0].ID != e2.ID {
		t.Errorf("OfType = %+v", got)
	}
	if e1.ID == e2.ID || e1.ID == "" {
		t.Error("event ids must be unique and non-empty")
	}
	a.Reset()
	if len(a.Events()) != 0 {
		t.Error("Reset did not clear")
	}
}

func TestSubject(t *testing.T) {
	e := New(OrderCreated, 1)
	e.Market = "ETH-USD"
	if got := Subject("perp.events", e); got != "perp.events.OrderCreated.ETH-USD" {
		t.Errorf("Subject = %s", got)
	}
	e.Market = ""
	if got := Subject("p", e); got != "p.OrderCreated._" {
		t.Errorf("Subject = %s", got)
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := LogSink{Log: zap.New(core).Sugar()}

	e := New(FundingSettled, 5)
	e.Market = "ETH-USD"
	e.Funding = big.NewInt(-3)
	sink.Publish([]Event{e})

	entries := logs.FilterMessage("funding_settled").All()
	if len(entries) != 1 {
		t.Fatalf("got %d funding_settled entries", len(entries))
	}
	if entries[0].ContextMap()["funding"] != "-3" {
		t.Errorf("funding field = %v", entries[0].ContextMap()["funding"])
	}
}
