package consensus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"raftkv/internal/bootstrap"
	"raftkv/internal/wire"
)

func testParams() Params {
	return Params{
		TimeToRetry:      2 * time.Second,
		ServerTimeout:    100 * time.Millisecond,
		HeartbeatTimeout: 50 * time.Millisecond,
		ElectionLow:      150 * time.Millisecond,
		ElectionHigh:     300 * time.Millisecond,
	}
}

func newTestNode(t *testing.T, id uint64, peers []bootstrap.PeerEntry, seed map[int]string) *Node {
	t.Helper()
	cfg := bootstrap.Config{
		NodeID:   id,
		Port:     0,
		NodeList: peers,
		DictData: seed,
	}
	persister := bootstrap.NewPersister(t.TempDir() + "/snapshot.json")
	n := NewNode(cfg, testParams(), persister, zerolog.Nop())
	return n
}

func TestHandleRequestVoteGrantsWhenLogIsCurrent(t *testing.T) {
	n := newTestNode(t, 1, nil, nil)

	reply := n.handleRequestVote(wire.Envelope{
		Type:        wire.RequestVote,
		Direction:   wire.Req,
		FromAddress: "peer:9001",
		FromID:      2,
		Term:        1,
		Payload:     wire.RequestVoteArgs{LastLogIndex: 0, LastLogTerm: 0},
	})

	rv, ok := reply.Payload.(wire.RequestVoteReply)
	require.True(t, ok)
	require.True(t, rv.Granted)
	require.Equal(t, uint64(1), n.currentTerm)
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	n := newTestNode(t, 1, nil, nil)
	n.currentTerm = 5

	reply := n.handleRequestVote(wire.Envelope{
		Type:        wire.RequestVote,
		Direction:   wire.Req,
		FromAddress: "peer:9001",
		FromID:      2,
		Term:        3,
		Payload:     wire.RequestVoteArgs{},
	})

	rv := reply.Payload.(wire.RequestVoteReply)
	require.False(t, rv.Granted)
	require.Equal(t, uint64(5), n.currentTerm) // unchanged
}

func TestHandleRequestVoteRejectsSecondCandidateSameTerm(t *testing.T) {
	n := newTestNode(t, 1, nil, nil)

	first := n.handleRequestVote(wire.Envelope{
		Type: wire.RequestVote, Direction: wire.Req,
		FromAddress: "peer-2", FromID: 2, Term: 1,
		Payload: wire.RequestVoteArgs{},
	})
	require.True(t, first.Payload.(wire.RequestVoteReply).Granted)

	second := n.handleRequestVote(wire.Envelope{
		Type: wire.RequestVote, Direction: wire.Req,
		FromAddress: "peer-3", FromID: 3, Term: 1,
		Payload: wire.RequestVoteArgs{},
	})
	require.False(t, second.Payload.(wire.RequestVoteReply).Granted, "already voted this term")
}

func TestHandleAppendEntriesRejectsOnLogMismatch(t *testing.T) {
	n := newTestNode(t, 1, nil, nil)
	n.currentTerm = 1

	reply := n.handleAppendEntries(wire.Envelope{
		Type: wire.AppendEntries, Direction: wire.Req,
		FromAddress: "leader", FromID: 9, Term: 1,
		Payload: wire.AppendEntriesArgs{PrevIndex: 1, PrevTerm: 1}, // we have no entries at all
	})

	ae := reply.Payload.(wire.AppendEntriesReply)
	require.False(t, ae.Success)
}

func TestHandleAppendEntriesAppendsAndCommits(t *testing.T) {
	n := newTestNode(t, 1, nil, map[int]string{1: ""})

	reply := n.handleAppendEntries(wire.Envelope{
		Type: wire.AppendEntries, Direction: wire.Req,
		FromAddress: "leader", FromID: 9, Term: 1,
		Payload: wire.AppendEntriesArgs{
			PrevIndex: 0,
			PrevTerm:  0,
			Entries: []wire.LogEntry{{
				Term: 1,
				Command: wire.Command{
					ClientAddress: "client-1", Serial: "client-1-1",
					Action: wire.Set, Position: 1, NewValue: "X",
				},
			}},
			CommitIndex: 1,
		},
	})

	ae := reply.Payload.(wire.AppendEntriesReply)
	require.True(t, ae.Success)
	require.Equal(t, uint64(1), ae.MatchIndex)
	require.Equal(t, uint64(1), n.commitIndex)
	require.Equal(t, uint64(1), n.lastApplied)

	value, err := n.store.Get(1)
	require.NoError(t, err)
	require.Equal(t, "X", value)
}

func TestHandleAppendEntriesTruncatesConflictingSuffix(t *testing.T) {
	n := newTestNode(t, 1, nil, map[int]string{1: ""})
	n.currentTerm = 2
	n.log.Append(
		wire.LogEntry{Term: 1, Command: wire.Command{Serial: "a", Action: wire.Set, Position: 1, NewValue: "A"}},
		wire.LogEntry{Term: 1, Command: wire.Command{Serial: "b", Action: wire.Set, Position: 1, NewValue: "B"}},
	)
	// The real leader for term 2 overwrites index 2 with a different entry.
	reply := n.handleAppendEntries(wire.Envelope{
		Type: wire.AppendEntries, Direction: wire.Req,
		FromAddress: "leader", FromID: 9, Term: 2,
		Payload: wire.AppendEntriesArgs{
			PrevIndex: 1,
			PrevTerm:  1,
			Entries: []wire.LogEntry{{
				Term:    2,
				Command: wire.Command{Serial: "c", Action: wire.Set, Position: 1, NewValue: "C"},
			}},
		},
	})

	ae := reply.Payload.(wire.AppendEntriesReply)
	require.True(t, ae.Success)
	require.Equal(t, uint64(2), n.log.LastIndex())
	require.Equal(t, "c", n.log.At(2).Command.Serial)
}

func TestCommitRequiresCurrentTermEntry(t *testing.T) {
	// Regression for the commit-by-term guard: a leader must never
	// advance commitIndex to cover an entry from an earlier term just
	// because a quorum's match_index reaches it; it must wait until an
	// entry from its own term also reaches quorum.
	n := newTestNode(t, 1, []bootstrap.PeerEntry{{NodeID: 2}, {NodeID: 3}}, map[int]string{1: ""})
	n.role.set(Leader)
	n.currentTerm = 2
	n.log.Append(
		wire.LogEntry{Term: 1, Command: wire.Command{Serial: "a", Action: wire.Set, Position: 1, NewValue: "A"}},
	)
	n.matchIndex = map[uint64]uint64{2: 1, 3: 1}
	n.quorum = 2

	n.tryAdvanceCommit([]uint64{1, 1}, 2)
	require.Equal(t, uint64(0), n.commitIndex, "must not commit a prior-term entry on matchIndex alone")

	n.log.Append(wire.LogEntry{Term: 2, Command: wire.Command{Serial: "b", Action: wire.Set, Position: 1, NewValue: "B"}})
	n.matchIndex = map[uint64]uint64{2: 2, 3: 2}
	n.tryAdvanceCommit([]uint64{2, 2}, 2)
	require.Equal(t, uint64(2), n.commitIndex)
}

func TestClientRequestDedupsBySerial(t *testing.T) {
	n := newTestNode(t, 1, nil, map[int]string{1: "old"})
	n.role.set(Leader)
	n.leaderAddr = n.Addr

	cmd := wire.Command{
		ClientAddress: "client-1", Serial: "client-1-1",
		Action: wire.Set, Position: 1, NewValue: "new",
	}
	first := n.handleClientRequest(wire.Envelope{
		Type: wire.ClientRequest, Direction: wire.Req,
		Payload: wire.ClientRequestArgs{Command: cmd},
	})
	require.Equal(t, wire.PendingResponse, first.Payload.(wire.ClientRequestReply).Response)

	// Commit it directly (bypassing real replication, which needs peers).
	n.commitIndex = n.log.LastIndex()
	n.applyCommittedLocked()
	require.Equal(t, uint64(1), n.lastApplied)

	second := n.handleClientRequest(wire.Envelope{
		Type: wire.ClientRequest, Direction: wire.Req,
		Payload: wire.ClientRequestArgs{Command: cmd}, // identical serial, retried
	})
	resp := second.Payload.(wire.ClientRequestReply).Response
	require.NotEqual(t, wire.PendingResponse, resp)
	require.Contains(t, resp, "1")

	value, err := n.store.Get(1)
	require.NoError(t, err)
	require.Equal(t, "new", value, "retried duplicate must not re-apply")
}

func TestClientRequestRedirectsWhenNotLeader(t *testing.T) {
	n := newTestNode(t, 1, nil, nil)
	n.leaderAddr = "10.0.0.9:3003"

	reply := n.handleClientRequest(wire.Envelope{
		Type: wire.ClientRequest, Direction: wire.Req,
		Payload: wire.ClientRequestArgs{Command: wire.Command{Action: wire.Get, Position: 1}},
	})

	crr := reply.Payload.(wire.ClientRequestReply)
	require.Equal(t, "10.0.0.9:3003", crr.LeaderAddress)
	require.Empty(t, crr.Response)
}
