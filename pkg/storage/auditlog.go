package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
)

// AuditLogFile appends every published event to a file as one JSON line.
// It is an events.Sink: a plain-text copy of the log for operators and
// offline replay, independent of the database.
type AuditLogFile struct {
	mu sync.Mutex
	f  *os.File
}

func NewAuditLogFile(path string) (*AuditLogFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditLogFile{f: f}, nil
}

func (w *AuditLogFile) Publish(_ context.Context, e events.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.f.Write(append(line, '\n'))
	return err
}

func (w *AuditLogFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadAuditLog parses a file written by AuditLogFile.
func ReadAuditLog(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []events.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

var _ events.Sink = (*AuditLogFile)(nil)
