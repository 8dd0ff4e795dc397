// Package store holds the replicated state machine: a fixed-length
// array of string slots, updated by SET commands and read by GET
// commands, with reversible application so a follower can undo a
// command discovered to be on the wrong side of a log truncation.
package store

import (
	"fmt"

	"raftkv/internal/wire"
)

// Store is the slot store, 1-indexed like the log it backs.
type Store struct {
	slots []string // slots[i] holds position i+1
}

// New creates a Store sized to seed's highest position, with seed
// values copied in. Positions not present in seed start as "".
func New(seed map[int]string) *Store {
	size := 0
	for pos := range seed {
		if pos > size {
			size = pos
		}
	}
	s := &Store{slots: make([]string, size)}
	for pos, v := range seed {
		s.slots[pos-1] = v
	}
	return s
}

// Size returns K, the number of addressable positions.
func (s *Store) Size() int {
	return len(s.slots)
}

// Valid reports whether position is in [1, Size()].
func (s *Store) Valid(position int) bool {
	return position >= 1 && position <= len(s.slots)
}

// Get returns the current value at position.
func (s *Store) Get(position int) (string, error) {
	if !s.Valid(position) {
		return "", fmt.Errorf("store: position %d out of range [1,%d]", position, len(s.slots))
	}
	return s.slots[position-1], nil
}

// Apply executes cmd against the store. If cmd has already been
// executed (Executed is true) this is a no-op, so replays after restart
// never double-apply. GET performs no write but still records OldValue
// for symmetry with SET.
func (s *Store) Apply(cmd *wire.Command) error {
	if cmd.Executed {
		return nil
	}
	if !s.Valid(cmd.Position) {
		return fmt.Errorf("store: position %d out of range [1,%d]", cmd.Position, len(s.slots))
	}

	cmd.OldValue = s.slots[cmd.Position-1]
	if cmd.Action == wire.Set {
		s.slots[cmd.Position-1] = cmd.NewValue
	}
	cmd.Executed = true
	return nil
}

// Revert undoes a previously applied cmd, restoring OldValue. Executed
// is left unchanged so a later re-apply of the same command is still
// detectable as a no-op; callers that want it re-applied must reset
// Executed explicitly.
func (s *Store) Revert(cmd *wire.Command) error {
	if !cmd.Executed {
		return nil
	}
	if !s.Valid(cmd.Position) {
		return fmt.Errorf("store: position %d out of range [1,%d]", cmd.Position, len(s.slots))
	}
	s.slots[cmd.Position-1] = cmd.OldValue
	return nil
}

// Snapshot returns a copy of the current slot contents, keyed 1..Size().
func (s *Store) Snapshot() map[int]string {
	out := make(map[int]string, len(s.slots))
	for i, v := range s.slots {
		out[i+1] = v
	}
	return out
}
