// Package audit implements the tamper-evident audit chain (C10): an
// append-only, hash-linked log of security-relevant events (schema state
// changes, authentication failures, remote-query decisions), mirrored to
// a rotated file through a slog JSON sink. Every appended event is
// recorded; there is no per-event-type filter.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventType names a security-relevant event kind recorded in the chain.
// These are unrelated to the C2 bus's EventType — the audit chain records
// a narrower, security-focused subset.
type EventType string

const (
	EventSchemaStateChanged EventType = "schema_state_changed"
	EventAuthFailure        EventType = "auth_failure"
	EventPermissionDenied   EventType = "permission_denied"
	EventRemoteQueryDecision EventType = "remote_query_decision"
	EventRemoteMutateDecision EventType = "remote_mutate_decision"
)

// Entry is one chained audit record.
type Entry struct {
	EventID        string      `json:"event_id"`
	Timestamp      time.Time   `json:"timestamp"`
	EventType      EventType   `json:"event_type"`
	DataHash       string      `json:"data_hash"`
	PreviousHash   string      `json:"previous_hash"`
	SequenceNumber uint64      `json:"sequence_number"`
	Data           interface{} `json:"data,omitempty"`
}

// Logger appends Entry records to an in-memory chain and mirrors each one
// to a rotating JSON log file.
type Logger struct {
	mu       sync.Mutex
	seq      uint64
	lastHash string
	entries  []Entry
	sink     *lumberjack.Logger
	logger   *slog.Logger
}

// Config configures the rotating file sink in terms of lumberjack's
// knobs.
type Config struct {
	LogFile    string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New creates a Logger writing to cfg.LogFile with lumberjack rotation.
func New(cfg Config) *Logger {
	sink := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Logger{
		sink:   sink,
		logger: slog.New(slog.NewJSONHandler(sink, nil)),
	}
}

func canonicalHash(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// entryHash computes the chain hash for e: SHA-256 over the canonical
// serialization of its own fields, which already embeds e.PreviousHash.
func entryHash(e Entry) (string, error) {
	return canonicalHash(struct {
		EventID        string    `json:"event_id"`
		Timestamp      time.Time `json:"timestamp"`
		EventType      EventType `json:"event_type"`
		DataHash       string    `json:"data_hash"`
		PreviousHash   string    `json:"previous_hash"`
		SequenceNumber uint64    `json:"sequence_number"`
	}{e.EventID, e.Timestamp, e.EventType, e.DataHash, e.PreviousHash, e.SequenceNumber})
}

// Append records one audit event, linking it to the previous entry's
// hash, and mirrors it to the rotating file sink.
func (l *Logger) Append(eventType EventType, data interface{}) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dataHash, err := canonicalHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash audit data: %w", err)
	}

	e := Entry{
		EventID:        uuid.NewString(),
		Timestamp:      time.Now(),
		EventType:      eventType,
		DataHash:       dataHash,
		PreviousHash:   l.lastHash,
		SequenceNumber: l.seq + 1,
		Data:           data,
	}

	h, err := entryHash(e)
	if err != nil {
		return nil, fmt.Errorf("hash audit entry: %w", err)
	}

	l.seq++
	l.lastHash = h
	l.entries = append(l.entries, e)

	l.logger.Info("audit",
		slog.String("event_id", e.EventID),
		slog.String("event_type", string(e.EventType)),
		slog.String("data_hash", e.DataHash),
		slog.String("previous_hash", e.PreviousHash),
		slog.Uint64("sequence_number", e.SequenceNumber),
	)
	return &e, nil
}

// Entries returns a snapshot of the in-memory chain.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Break describes one point where the chain fails to verify.
type Break struct {
	Index  int
	Reason string
}

// VerifyChain walks the in-memory chain checking monotone sequence
// numbers and hash linkage, reporting every break found.
func (l *Logger) VerifyChain() ([]Break, error) {
	l.mu.Lock()
	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	var breaks []Break
	prevHash := ""
	for i, e := range entries {
		if e.SequenceNumber != uint64(i+1) {
			breaks = append(breaks, Break{Index: i, Reason: fmt.Sprintf("expected sequence_number %d, got %d", i+1, e.SequenceNumber)})
		}
		if e.PreviousHash != prevHash {
			breaks = append(breaks, Break{Index: i, Reason: "previous_hash does not match the prior entry's computed hash"})
		}
		h, err := entryHash(e)
		if err != nil {
			return breaks, fmt.Errorf("hash entry %d: %w", i, err)
		}
		prevHash = h
	}
	return breaks, nil
}

// Close flushes and closes the rotating file sink.
func (l *Logger) Close() error {
	return l.sink.Close()
}
