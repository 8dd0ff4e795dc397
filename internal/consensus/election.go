package consensus

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"raftkv/internal/wire"
)

// handleRequestVote answers an incoming RequestVote RPC: grant only if
// the candidate's term is at least current, we haven't already voted
// this term for someone else, and the candidate's log is at least as
// up to date as ours.
func (n *Node) handleRequestVote(from wire.Envelope) wire.Envelope {
	args := from.Payload.(wire.RequestVoteArgs)

	n.followerMu.Lock()
	defer n.followerMu.Unlock()

	if from.Term > n.currentTerm {
		n.stepDownLocked(from.Term)
	}

	granted := false
	if from.Term >= n.currentTerm &&
		(n.votedFor == nil || *n.votedFor == from.FromID) &&
		n.logUpToDateLocked(args.LastLogIndex, args.LastLogTerm) {
		granted = true
		id := from.FromID
		n.votedFor = &id
		n.election.Reset()
	}

	n.persistLocked()

	return wire.Envelope{
		Type:        wire.RequestVote,
		Direction:   wire.Reply,
		FromAddress: n.Addr,
		ToAddress:   from.FromAddress,
		FromID:      n.ID,
		Term:        n.currentTerm,
		Payload:     wire.RequestVoteReply{Granted: granted},
	}
}

// logUpToDateLocked reports whether a candidate log described by
// (lastIndex, lastTerm) is at least as up to date as ours, by the
// usual Raft comparison: higher last-entry term wins outright; on a
// term tie, the longer log wins. Must be called with followerMu held.
func (n *Node) logUpToDateLocked(lastIndex, lastTerm uint64) bool {
	ourLast := n.log.LastIndex()
	ourTerm := n.log.Term(ourLast)
	if lastTerm != ourTerm {
		return lastTerm > ourTerm
	}
	return lastIndex >= ourLast
}

// stepDownLocked adopts a newly observed higher term, reverting to
// follower and clearing this term's vote. Callers must hold
// followerMu; the leader-side reply handlers call it holding followerMu
// only, never leaderMu.
func (n *Node) stepDownLocked(term uint64) {
	n.currentTerm = term
	n.votedFor = nil
	n.role.set(Follower)
	n.election.Reset()
	n.heartbeat.Suspend()
}

// startElection promotes this node to candidate, votes for itself, and
// broadcasts RequestVote to every peer concurrently, waiting up to the
// server timeout for each peer's reply before counting the votes.
func (n *Node) startElection() {
	n.followerMu.Lock()
	n.currentTerm++
	term := n.currentTerm
	id := n.ID
	n.votedFor = &id
	n.role.set(Candidate)
	n.election.Reset()
	lastIndex := n.log.LastIndex()
	lastTerm := n.log.Term(lastIndex)
	n.persistLocked()
	n.followerMu.Unlock()

	n.log_.Info().Uint64("term", term).Msg("starting election")

	var mu voteTally
	mu.grant() // vote for self

	var g errgroup.Group
	for _, peer := range n.peers {
		peer := peer
		g.Go(func() error {
			reply, err := sendAndWait(peer.Address, wire.Envelope{
				Type:        wire.RequestVote,
				Direction:   wire.Req,
				FromAddress: n.Addr,
				ToAddress:   peer.Address,
				FromID:      n.ID,
				Term:        term,
				Payload: wire.RequestVoteArgs{
					LastLogIndex: lastIndex,
					LastLogTerm:  lastTerm,
				},
			}, n.params.ServerTimeout)
			if err != nil {
				return nil // unreachable peer: simply doesn't count toward quorum
			}

			n.followerMu.Lock()
			stillCurrent := n.currentTerm == term && n.role.get() == Candidate
			if reply.Term > n.currentTerm {
				n.stepDownLocked(reply.Term)
			}
			n.followerMu.Unlock()

			if !stillCurrent {
				return nil
			}
			if rv, ok := reply.Payload.(wire.RequestVoteReply); ok && rv.Granted {
				mu.grant()
			}
			return nil
		})
	}
	_ = g.Wait()
	granted := mu.count()

	n.followerMu.Lock()
	defer n.followerMu.Unlock()
	if n.currentTerm != term || n.role.get() != Candidate {
		return // term moved on, or we already stepped down/became leader
	}
	if granted >= n.quorum {
		n.becomeLeaderLocked()
	}
}

// becomeLeaderLocked transitions to leader. Must be called with
// followerMu held.
func (n *Node) becomeLeaderLocked() {
	n.role.set(Leader)
	n.leaderAddr = n.Addr
	n.heartbeat.Reset()
	n.election.Suspend()

	n.leaderMu.Lock()
	next := n.log.LastIndex() + 1
	for _, p := range n.peers {
		n.nextIndex[p.ID] = next
		n.matchIndex[p.ID] = 0
	}
	n.leaderMu.Unlock()

	n.log_.Info().Uint64("term", n.currentTerm).Msg("became leader")
}

// voteTally is a tiny concurrency-safe counter, used because the
// per-peer goroutines above run concurrently.
type voteTally struct {
	mu sync.Mutex
	n  int
}

func (t *voteTally) grant() {
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
}

func (t *voteTally) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}
