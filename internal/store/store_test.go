package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"raftkv/internal/store"
	"raftkv/internal/wire"
)

func TestApplySetThenRevert(t *testing.T) {
	s := store.New(map[int]string{1: "Blue", 2: "Yellow"})

	cmd := &wire.Command{Action: wire.Set, Position: 2, NewValue: "Purple"}
	require.NoError(t, s.Apply(cmd))
	require.True(t, cmd.Executed)
	require.Equal(t, "Yellow", cmd.OldValue)

	v, err := s.Get(2)
	require.NoError(t, err)
	require.Equal(t, "Purple", v)

	require.NoError(t, s.Revert(cmd))
	v, err = s.Get(2)
	require.NoError(t, err)
	require.Equal(t, "Yellow", v)
	require.True(t, cmd.Executed, "revert leaves Executed untouched")
}

func TestApplyIsIdempotentWhenAlreadyExecuted(t *testing.T) {
	s := store.New(map[int]string{1: "A"})
	cmd := &wire.Command{Action: wire.Set, Position: 1, NewValue: "B", Executed: true, OldValue: "A"}

	require.NoError(t, s.Apply(cmd))
	v, _ := s.Get(1)
	require.Equal(t, "A", v, "already-executed command is not re-applied")
}

func TestGetRecordsOldValueWithoutWriting(t *testing.T) {
	s := store.New(map[int]string{1: "A"})
	cmd := &wire.Command{Action: wire.Get, Position: 1}

	require.NoError(t, s.Apply(cmd))
	require.Equal(t, "A", cmd.OldValue)
	v, _ := s.Get(1)
	require.Equal(t, "A", v)
}

func TestOutOfRangePosition(t *testing.T) {
	s := store.New(map[int]string{1: "A"})
	require.False(t, s.Valid(0))
	require.False(t, s.Valid(2))
	_, err := s.Get(2)
	require.Error(t, err)
}
