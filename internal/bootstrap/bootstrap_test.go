package bootstrap_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"raftkv/internal/bootstrap"
)

func TestHostPortRoundTrip(t *testing.T) {
	hp := bootstrap.HostPort{Host: "10.0.0.5", Port: 3002}
	data, err := hp.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `["10.0.0.5",3002]`, string(data))

	var got bootstrap.HostPort
	require.NoError(t, got.UnmarshalJSON(data))
	require.Equal(t, hp, got)
}

func TestSaveThenLoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node-1-snapshot.json")

	cfg := bootstrap.Config{
		NodeID: 1, Port: 3001, Term: 4,
		DictData: map[int]string{1: "Blue"},
	}
	p := bootstrap.NewPersister(path)
	require.NoError(t, p.Save(cfg))

	loaded, err := bootstrap.LoadSnapshot(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, cfg.NodeID, loaded.NodeID)
	require.Equal(t, cfg.Term, loaded.Term)
	require.Equal(t, "Blue", loaded.DictData[1])
}

func TestLoadSnapshotMissingIsNotAnError(t *testing.T) {
	loaded, err := bootstrap.LoadSnapshot(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestLoadSnapshotCorruptIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := bootstrap.LoadSnapshot(path)
	require.Error(t, err)
}
