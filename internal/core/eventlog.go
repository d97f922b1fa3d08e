package core

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libervia/gateway/internal/canonical"
)

var (
	ErrChainBroken    = errors.New("event chain broken")
	ErrEntryTampered  = errors.New("event entry hash mismatch")
	ErrDuplicateEvent = errors.New("event id already present")
)

// Entry is one link of the tenant's cryptographically chained event log.
// current_hash covers every field except itself; previous_hash ties the entry
// to its predecessor.
type Entry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Evento       string         `json:"evento"`
	Entidade     string         `json:"entidade"`
	EntidadeID   string         `json:"entidade_id"`
	Actor        string         `json:"actor"`
	PreviousHash string         `json:"previous_hash"`
	CurrentHash  string         `json:"current_hash"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// computeHash derives the entry hash from the canonical serialization of all
// chained fields.
func computeHash(e *Entry) (string, error) {
	return canonical.Hash(map[string]any{
		"id":            e.ID,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"evento":        e.Evento,
		"entidade":      e.Entidade,
		"entidade_id":   e.EntidadeID,
		"actor":         e.Actor,
		"previous_hash": e.PreviousHash,
		"payload":       e.Payload,
	})
}

// EventLog is an append-only, hash-chained log stored as newline-delimited
// JSON under <dataDir>/event-log. The in-memory copy is the source of truth
// for reads; every append hits disk before returning.
type EventLog struct {
	path string

	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
}

// OpenEventLog loads (or initializes) the chain for a tenant data directory.
func OpenEventLog(dataDir string) (*EventLog, error) {
	dir := filepath.Join(dataDir, "event-log")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &EventLog{
		path: filepath.Join(dir, "chain.ndjson"),
		byID: make(map[string]int),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *EventLog) load() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("corrupt event log %s: %w", l.path, err)
		}
		l.byID[e.ID] = len(l.entries)
		l.entries = append(l.entries, e)
	}
	return scanner.Err()
}

// Append creates, chains and persists a new entry.
func (l *EventLog) Append(evento, entidade, entidadeID, actor string, payload map[string]any) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Evento:     evento,
		Entidade:   entidade,
		EntidadeID: entidadeID,
		Actor:      actor,
		Payload:    payload,
	}
	if n := len(l.entries); n > 0 {
		e.PreviousHash = l.entries[n-1].CurrentHash
	}
	hash, err := computeHash(&e)
	if err != nil {
		return nil, err
	}
	e.CurrentHash = hash

	if err := l.writeLine(&e); err != nil {
		return nil, err
	}
	l.byID[e.ID] = len(l.entries)
	l.entries = append(l.entries, e)
	return &e, nil
}

// AppendRaw persists an entry that already carries its hashes, preserving
// them verbatim. Restore uses this; the entry must continue the current chain
// unless the log is empty, in which case its previous_hash becomes the new
// chain root.
func (l *EventLog) AppendRaw(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byID[e.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, e.ID)
	}
	if n := len(l.entries); n > 0 && e.PreviousHash != l.entries[n-1].CurrentHash {
		return fmt.Errorf("%w: entry %s does not continue the chain", ErrChainBroken, e.ID)
	}
	if err := l.writeLine(&e); err != nil {
		return err
	}
	l.byID[e.ID] = len(l.entries)
	l.entries = append(l.entries, e)
	return nil
}

func (l *EventLog) writeLine(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Has reports whether an event id is already present.
func (l *EventLog) Has(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byID[id]
	return ok
}

// List returns a page of entries in append order plus the total count.
func (l *EventLog) List(limit, offset int) ([]Entry, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := len(l.entries)
	if offset >= total {
		return []Entry{}, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]Entry, end-offset)
	copy(out, l.entries[offset:end])
	return out, total
}

// Last returns the newest entry, or nil for an empty log.
func (l *EventLog) Last() *Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return nil
	}
	e := l.entries[len(l.entries)-1]
	return &e
}

// Count returns the number of entries.
func (l *EventLog) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify walks the whole chain: every entry must hash to its current_hash and
// link to its predecessor.
func (l *EventLog) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := ""
	for i := range l.entries {
		e := l.entries[i]
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d (%s)", ErrChainBroken, i, e.ID)
		}
		hash, err := computeHash(&e)
		if err != nil {
			return err
		}
		if hash != e.CurrentHash {
			return fmt.Errorf("%w: entry %d (%s)", ErrEntryTampered, i, e.ID)
		}
		prev = e.CurrentHash
	}
	return nil
}

// VerifyFast only re-hashes the newest entry and checks its link, a cheap
// liveness probe for the audit endpoint.
func (l *EventLog) VerifyFast() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if n == 0 {
		return nil
	}
	e := l.entries[n-1]
	hash, err := computeHash(&e)
	if err != nil {
		return err
	}
	if hash != e.CurrentHash {
		return fmt.Errorf("%w: entry %d (%s)", ErrEntryTampered, n-1, e.ID)
	}
	if n > 1 && e.PreviousHash != l.entries[n-2].CurrentHash {
		return fmt.Errorf("%w: entry %d (%s)", ErrChainBroken, n-1, e.ID)
	}
	return nil
}
