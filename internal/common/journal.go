package common

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event captures a single step of an upload session: a state transition, a
// chunk handoff, an error, or the terminal result.
type Event struct {
	Session string    `json:"session"`
	Kind    string    `json:"kind"`
	State   string    `json:"state,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Bytes   int64     `json:"bytes,omitempty"`
	Seq     uint64    `json:"seq,omitempty"`
	Code    string    `json:"code,omitempty"`
	Ts      time.Time `json:"ts"`
}

// Journal provides append-only access to a JSONL session log.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal returns a Journal that writes to the provided path.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the backing file path for the journal.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Append writes a new event to the journal. Events are serialized as JSON
// objects, one per line, to make downstream consumption and replay
// straightforward.
func (j *Journal) Append(event Event) error {
	if j == nil {
		return errors.New("nil journal")
	}
	if event.Session == "" {
		return errors.New("journal event missing session")
	}
	if event.Ts.IsZero() {
		event.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	dir := filepath.Dir(j.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadJournal loads every event from the supplied JSONL file.
func ReadJournal(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var events []Event
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("decode journal event: %w", err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
