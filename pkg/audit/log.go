// Package audit implements the append-only, hash-chained history of every
// action state transition. Entries carry strictly increasing sequence
// numbers and are immutable once appended; the snapshot tables elsewhere in
// the system are projections of this log, never the other way around.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fiscalpilot/core/pkg/canonicalize"
)

var (
	ErrEntryNotFound = errors.New("audit: entry not found")
	ErrChainBroken   = errors.New("audit: hash chain is broken")
)

// EventType categorizes audit entries by the transition they record.
type EventType string

const (
	EventProposed        EventType = "proposed"
	EventApproved        EventType = "approved"
	EventRejected        EventType = "rejected"
	EventExpired         EventType = "expired"
	EventNotificationDue EventType = "notification_due"
	EventReresolved      EventType = "reresolved"
	EventExecuting       EventType = "executing"
	EventDryRun          EventType = "dry_run"
	EventExecuted        EventType = "executed"
	EventFailed          EventType = "failed"
	EventDeferred        EventType = "deferred"
	EventRolledBack      EventType = "rolled_back"
	EventNotReversible   EventType = "not_reversible"
)

// SystemActor is recorded for transitions performed without a human, e.g.
// GREEN auto-approvals and timeout expiries.
const SystemActor = "system:auto"

// Entry is a single immutable record in the audit log.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Event        EventType       `json:"event"`
	ActionID     string          `json:"action_id"`
	Actor        string          `json:"actor"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Sink receives entries durably before the in-memory log acknowledges them.
type Sink interface {
	AppendEntry(ctx context.Context, e *Entry) error
}

// EntryHandler is called synchronously for each appended entry.
type EntryHandler func(e *Entry)

// Log is an append-only audit log with hash chaining. All methods are safe
// for concurrent use.
type Log struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	sequence  uint64
	chainHead string
	handlers  []EntryHandler
	sink      Sink
	clock     func() time.Time
}

// NewLog creates an empty audit log.
func NewLog() *Log {
	return &Log{
		entries:   make([]*Entry, 0),
		byID:      make(map[string]*Entry),
		chainHead: "genesis",
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// WithSink attaches a durable sink. Appends fail, and nothing is recorded,
// if the sink write fails: no acknowledged transition without its entry.
func (l *Log) WithSink(s Sink) *Log {
	l.sink = s
	return l
}

// AddHandler registers a handler invoked for every new entry.
func (l *Log) AddHandler(h EntryHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Append records one transition. The payload is serialized and hashed; the
// entry hash chains over the previous entry so any later mutation of history
// is detectable.
func (l *Log) Append(ctx context.Context, event EventType, actionID, actor string, payload any) (*Entry, error) {
	var payloadBytes []byte
	if payload != nil {
		var err error
		payloadBytes, err = canonicalize.JCS(payload)
		if err != nil {
			return nil, fmt.Errorf("audit: serialize payload: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock().UTC(),
		Event:        event,
		ActionID:     actionID,
		Actor:        actor,
		Payload:      payloadBytes,
		PayloadHash:  canonicalize.HashBytes(payloadBytes),
		PreviousHash: l.chainHead,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	if l.sink != nil {
		if err := l.sink.AppendEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("audit: durable append: %w", err)
		}
	}

	l.sequence = entry.Sequence
	l.chainHead = entry.EntryHash
	l.entries = append(l.entries, entry)
	l.byID[entry.EntryID] = entry

	for _, h := range l.handlers {
		h(entry)
	}
	return entry, nil
}

func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Event        EventType `json:"event"`
		ActionID     string    `json:"action_id"`
		Actor        string    `json:"actor"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		Event:        e.Event,
		ActionID:     e.ActionID,
		Actor:        e.Actor,
		PayloadHash:  e.PayloadHash,
		PreviousHash: e.PreviousHash,
	}
	hash, err := canonicalize.Hash(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: hash entry: %w", err)
	}
	return hash, nil
}

// Get retrieves an entry by ID.
func (l *Log) Get(entryID string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// Filter selects entries for queries and exports.
type Filter struct {
	ActionID   string
	Event      EventType
	StartSeq   uint64
	EndSeq     uint64
	Since      *time.Time
	Until      *time.Time
	MaxResults int
}

func (f Filter) matches(e *Entry) bool {
	if f.ActionID != "" && e.ActionID != f.ActionID {
		return false
	}
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Sequence > f.EndSeq {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// Query returns entries matching the filter, in sequence order. Observers
// always see a consistent prefix of history.
func (l *Log) Query(filter Filter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range l.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// ForAction returns the full ordered history of one action.
func (l *Log) ForAction(actionID string) []*Entry {
	return l.Query(Filter{ActionID: actionID})
}

// Sequence returns the current (last assigned) sequence number.
func (l *Log) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// Size returns the number of entries.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// VerifyChain recomputes every entry hash and link. Any edit, deletion, or
// reordering of history is reported as ErrChainBroken.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := "genesis"
	var expectedSeq uint64 = 1
	for i, entry := range l.entries {
		if entry.Sequence != expectedSeq {
			return fmt.Errorf("%w: entry %d has sequence %d, expected %d",
				ErrChainBroken, i, entry.Sequence, expectedSeq)
		}
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s, expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
		expectedSeq++
	}
	return nil
}

// Restore seeds the log from previously persisted entries, in sequence
// order. It is used at startup before any new appends and verifies the
// restored chain.
func (l *Log) Restore(entries []*Entry) error {
	l.mu.Lock()
	for _, e := range entries {
		l.entries = append(l.entries, e)
		l.byID[e.EntryID] = e
		l.sequence = e.Sequence
		l.chainHead = e.EntryHash
	}
	l.mu.Unlock()
	return l.VerifyChain()
}
