package storage

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpcore/pkg/events"
)

func TestJournalAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	j, err := NewFileJournal(path, nil)
	require.NoError(t, err)

	e1 := events.New(events.OrderCreated, 100)
	e1.Seq, e1.OrderID, e1.Market, e1.Size = 1, 7, "ETH-USD", big.NewInt(10)
	e2 := events.New(events.OrderCancelled, 101)
	e2.Seq, e2.OrderID, e2.Reason = 2, 7, "expired"
	j.Publish([]events.Event{e1})
	j.Publish([]events.Event{e2})
	require.NoError(t, j.Close())

	// reopening appends
	j, err = NewFileJournal(path, nil)
	require.NoError(t, err)
	e3 := events.New(events.OrderCreated, 102)
	e3.Seq = 3
	j.Publish([]events.Event{e3})
	require.NoError(t, j.Close())

	got, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, e1.ID, got[0].ID)
	require.Equal(t, "10", got[0].Size.String())
	require.Equal(t, "expired", got[1].Reason)
	require.Equal(t, uint64(3), got[2].Seq)
}

func TestReadJournalRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"seq\":1}\nnot json\n"), 0o644))

	_, err := ReadJournal(path)
	require.ErrorContains(t, err, "line 2")
}
