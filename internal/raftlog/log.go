// Package raftlog implements the replicated, 1-indexed log: an
// ordered sequence of {term, command} entries supporting append and
// truncate-suffix, with truncation reverting each discarded entry's
// command against the state machine before it's discarded.
package raftlog

import (
	"raftkv/internal/store"
	"raftkv/internal/wire"
)

// Log is the 1-indexed replicated log. Index 0 is the implicit
// sentinel with term 0 and is never stored.
type Log struct {
	entries []wire.LogEntry // entries[i] is log index i+1
	store   *store.Store
}

// New creates an empty Log backed by the given state machine, used to
// revert entries discarded by TruncateFrom.
func New(s *store.Store) *Log {
	return &Log{store: s}
}

// Restore replaces the log wholesale with previously-persisted entries,
// for use at boot. It does not revert or apply anything.
func (l *Log) Restore(entries []wire.LogEntry) {
	l.entries = entries
}

// Entries returns the full entry slice, 1-indexed (Entries()[0] is
// index 1). Used for persistence.
func (l *Log) Entries() []wire.LogEntry {
	return l.entries
}

// LastIndex is the index of the last entry in the log, or 0 if empty.
func (l *Log) LastIndex() uint64 {
	return uint64(len(l.entries))
}

// Term returns the term of the entry at index; by the sentinel rule
// log_term(i) is 0 for i<1 or i>len(log).
func (l *Log) Term(index uint64) uint64 {
	if index < 1 || index > uint64(len(l.entries)) {
		return 0
	}
	return l.entries[index-1].Term
}

// At returns the entry at index (1-indexed). Callers must ensure
// 1 <= index <= LastIndex().
func (l *Log) At(index uint64) wire.LogEntry {
	return l.entries[index-1]
}

// Append adds entries to the end of the log.
func (l *Log) Append(entries ...wire.LogEntry) {
	l.entries = append(l.entries, entries...)
}

// TruncateFrom discards every entry at index >= from, reverting each
// one's command against the state machine in reverse index order
// (highest index first) before it's discarded, so a later re-apply
// from an overlapping leader doesn't compound stale effects.
func (l *Log) TruncateFrom(from uint64) error {
	if from < 1 || from > uint64(len(l.entries)) {
		return nil
	}
	for i := uint64(len(l.entries)); i >= from; i-- {
		if err := l.store.Revert(&l.entries[i-1].Command); err != nil {
			return err
		}
	}
	l.entries = l.entries[:from-1]
	return nil
}
