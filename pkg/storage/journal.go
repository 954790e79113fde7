package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// FileJournal appends every committed event to a file as one JSON line,
// an audit trail that survives pruning of the ledger database
type FileJournal struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	log *zap.SugaredLogger
}

func NewFileJournal(path string, log *zap.SugaredLogger) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f, w: bufio.NewWriter(f), log: util.SugarOrNop(log)}, nil
}

// Publish implements events.Sink
func (j *FileJournal) Publish(evs []events.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range evs {
		line, err := json.Marshal(e)
		if err != nil {
			j.log.Errorw("journal_encode_failed", "seq", e.Seq, "err", err)
			continue
		}
		j.w.Write(line)
		j.w.WriteByte('\n')
	}
	if err := j.w.Flush(); err != nil {
		j.log.Errorw("journal_write_failed", "err", err)
	}
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}

// ReadJournal returns every event in a journal file, in file order
func ReadJournal(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []events.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for n := 1; sc.Scan(); n++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", n, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
