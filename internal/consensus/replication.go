package consensus

import (
	"golang.org/x/sync/errgroup"

	"raftkv/internal/wire"
)

// handleAppendEntries answers an incoming AppendEntries RPC: the
// log-matching consistency check at PrevIndex/PrevTerm,
// truncate-on-conflict, then append, then raise commitIndex to
// min(leaderCommit, index of the last entry in the log).
func (n *Node) handleAppendEntries(from wire.Envelope) wire.Envelope {
	args := from.Payload.(wire.AppendEntriesArgs)

	n.followerMu.Lock()
	defer n.followerMu.Unlock()

	if from.Term > n.currentTerm {
		n.stepDownLocked(from.Term)
	}

	if from.Term < n.currentTerm {
		return n.appendEntriesReplyLocked(from.FromAddress, false)
	}

	// A valid leader for our term: acknowledge it and reset the
	// election timer regardless of the consistency check's outcome.
	n.role.set(Follower)
	n.leaderAddr = from.FromAddress
	n.election.Reset()

	if args.PrevIndex > 0 {
		if n.log.Term(args.PrevIndex) != args.PrevTerm {
			n.persistLocked() // a step-down above may have changed the term
			return n.appendEntriesReplyLocked(from.FromAddress, false)
		}
	}

	// The consistency check passed at PrevIndex; resolve any conflict
	// at the first new entry's position and append what's left.
	next := args.PrevIndex + 1
	for i, e := range args.Entries {
		idx := next + uint64(i)
		if idx <= n.log.LastIndex() && n.log.Term(idx) == e.Term {
			continue
		}
		if idx <= n.log.LastIndex() {
			if err := n.log.TruncateFrom(idx); err != nil {
				n.log_.Error().Err(err).Msg("truncating log")
			}
		}
		n.log.Append(args.Entries[i:]...)
		break
	}

	if args.CommitIndex > n.commitIndex {
		n.commitIndex = minU64(args.CommitIndex, n.log.LastIndex())
		n.applyCommittedLocked()
	}

	n.persistLocked()
	return n.appendEntriesReplyLocked(from.FromAddress, true)
}

func (n *Node) appendEntriesReplyLocked(to string, success bool) wire.Envelope {
	return wire.Envelope{
		Type:        wire.AppendEntries,
		Direction:   wire.Reply,
		FromAddress: n.Addr,
		ToAddress:   to,
		FromID:      n.ID,
		Term:        n.currentTerm,
		Payload: wire.AppendEntriesReply{
			Success:    success,
			MatchIndex: n.log.LastIndex(),
		},
	}
}

// applyCommittedLocked advances lastApplied up to commitIndex, applying
// each newly committed command to the state machine. Must be called
// with followerMu held. When this node is the leader, each applied
// command whose originator was a client is answered directly here:
// a client only gets its real answer once a command is durably
// committed.
func (n *Node) applyCommittedLocked() {
	isLeader := n.role.get() == Leader
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		entry := n.log.At(n.lastApplied)
		if err := n.store.Apply(&entry.Command); err != nil {
			n.log_.Error().Err(err).Uint64("index", n.lastApplied).Msg("applying committed entry")
			continue
		}
		n.log.Entries()[n.lastApplied-1] = entry

		if isLeader && entry.Command.ClientAddress != "" {
			n.send(entry.Command.ClientAddress, wire.Envelope{
				Type:        wire.ClientRequest,
				Direction:   wire.Reply,
				FromAddress: n.Addr,
				FromID:      n.ID,
				Term:        n.currentTerm,
				Payload: wire.ClientRequestReply{
					Response: clientResponse(entry.Command),
				},
			})
		}
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// broadcastAppendEntries fans AppendEntries out to every peer
// concurrently (one goroutine per peer, each with its own ephemeral
// socket), applying each reply to the leader's volatile replication
// state as it arrives. This is the leader-side counterpart to
// handleAppendEntries and is why leaderMu exists separately from
// followerMu: the per-peer goroutines run concurrently with one
// another and each writes nextIndex/matchIndex. The call returns only
// once every peer's goroutine has finished.
func (n *Node) broadcastAppendEntries() {
	n.followerMu.Lock()
	if n.role.get() != Leader {
		n.followerMu.Unlock()
		return
	}
	term := n.currentTerm
	commitIndex := n.commitIndex
	lastIndex := n.log.LastIndex()
	n.followerMu.Unlock()

	var g errgroup.Group
	for _, peer := range n.peers {
		peer := peer
		g.Go(func() error {
			n.leaderMu.Lock()
			next := n.nextIndex[peer.ID]
			n.leaderMu.Unlock()
			if next == 0 {
				next = 1
			}

			n.followerMu.Lock()
			prevIndex := next - 1
			prevTerm := n.log.Term(prevIndex)
			var entries []wire.LogEntry
			if lastIndex >= next {
				entries = append(entries, n.log.Entries()[next-1:lastIndex]...)
			}
			n.followerMu.Unlock()

			reply, err := sendAndWait(peer.Address, wire.Envelope{
				Type:        wire.AppendEntries,
				Direction:   wire.Req,
				FromAddress: n.Addr,
				ToAddress:   peer.Address,
				FromID:      n.ID,
				Term:        term,
				Payload: wire.AppendEntriesArgs{
					PrevIndex:   prevIndex,
					PrevTerm:    prevTerm,
					Entries:     entries,
					CommitIndex: commitIndex,
				},
			}, n.params.ServerTimeout)
			if err != nil {
				return nil // peer unreachable this round; retried next heartbeat
			}
			n.handleAppendEntriesReply(peer.ID, term, reply)
			return nil
		})
	}
	_ = g.Wait()
}

// handleAppendEntriesReply folds one peer's AppendEntries reply into
// the leader's replication state and attempts commit-index
// advancement. Runs concurrently with other peers' replies from the
// same broadcast.
func (n *Node) handleAppendEntriesReply(peerID uint64, sentTerm uint64, reply wire.Envelope) {
	rep, ok := reply.Payload.(wire.AppendEntriesReply)
	if !ok {
		return
	}

	n.followerMu.Lock()
	if reply.Term > n.currentTerm {
		n.stepDownLocked(reply.Term)
		n.followerMu.Unlock()
		return
	}
	stillLeader := n.role.get() == Leader && n.currentTerm == sentTerm
	n.followerMu.Unlock()
	if !stillLeader {
		return
	}

	n.leaderMu.Lock()
	if rep.Success {
		if rep.MatchIndex > n.matchIndex[peerID] {
			n.matchIndex[peerID] = rep.MatchIndex
		}
		n.nextIndex[peerID] = rep.MatchIndex + 1
	} else if n.nextIndex[peerID] > 1 {
		n.nextIndex[peerID]--
	}
	matches := make([]uint64, 0, len(n.matchIndex))
	for _, mi := range n.matchIndex {
		matches = append(matches, mi)
	}
	n.leaderMu.Unlock()

	n.tryAdvanceCommit(matches, sentTerm)
}

// tryAdvanceCommit applies the Raft commit-safety rule: the leader may
// only advance commitIndex to N if a quorum (including itself) has
// matchIndex >= N AND log[N].term == currentTerm. This second
// condition is easy to drop by accident; it is load-bearing and never
// skipped here.
func (n *Node) tryAdvanceCommit(peerMatches []uint64, leaderTerm uint64) {
	n.followerMu.Lock()
	defer n.followerMu.Unlock()

	if n.role.get() != Leader || n.currentTerm != leaderTerm {
		return
	}

	lastIndex := n.log.LastIndex()
	for N := lastIndex; N > n.commitIndex; N-- {
		if n.log.Term(N) != n.currentTerm {
			continue
		}
		count := 1 // self
		for _, m := range peerMatches {
			if m >= N {
				count++
			}
		}
		if count >= n.quorum {
			n.commitIndex = N
			n.applyCommittedLocked()
			n.persistLocked()
			break
		}
	}
}
