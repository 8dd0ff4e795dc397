package consensus

import (
	"fmt"
	"time"

	"raftkv/internal/wire"
)

// handleClientRequest answers an incoming ClientRequest RPC. A
// non-leader redirects to the last-known leader (or replies with no
// leader address at all if it has none). A leader dedups by serial
// against the log before doing anything else, then branches on GET vs
// SET.
func (n *Node) handleClientRequest(from wire.Envelope) wire.Envelope {
	args := from.Payload.(wire.ClientRequestArgs)
	cmd := args.Command

	n.followerMu.Lock()
	isLeader := n.role.get() == Leader
	leaderAddr := n.leaderAddr
	n.followerMu.Unlock()

	if !isLeader {
		return wire.Envelope{
			Type:        wire.ClientRequest,
			Direction:   wire.Reply,
			FromAddress: n.Addr,
			FromID:      n.ID,
			Payload:     wire.ClientRequestReply{LeaderAddress: leaderAddr},
		}
	}

	if existing, ok := n.findBySerial(cmd.Serial); ok {
		return wire.Envelope{
			Type:        wire.ClientRequest,
			Direction:   wire.Reply,
			FromAddress: n.Addr,
			FromID:      n.ID,
			Payload:     wire.ClientRequestReply{Response: clientResponse(existing)},
		}
	}

	switch cmd.Action {
	case wire.Get:
		return n.handleGet(cmd)
	case wire.Set:
		return n.handleSet(cmd)
	default:
		return wire.Envelope{
			Type:        wire.ClientRequest,
			Direction:   wire.Reply,
			FromAddress: n.Addr,
			FromID:      n.ID,
			Payload:     wire.ClientRequestReply{Response: "Unknown command"},
		}
	}
}

func (n *Node) findBySerial(serial string) (wire.Command, bool) {
	n.followerMu.Lock()
	defer n.followerMu.Unlock()
	for _, e := range n.log.Entries() {
		if e.Command.Serial == serial {
			return e.Command, true
		}
	}
	return wire.Command{}, false
}

// handleGet serves a read without appending to the log. "Leadership"
// here is approximated rather than proven: the leader forces one heartbeat
// round so a stale leader that's actually lost quorum is likely to
// hear about a higher term and step down before replying, then sleeps
// a fraction of the server timeout before reading and replying. This
// is not a true lease and can still serve a stale read during a narrow
// window.
func (n *Node) handleGet(cmd wire.Command) wire.Envelope {
	n.broadcastAppendEntries()

	n.followerMu.Lock()
	stillLeader := n.role.get() == Leader
	n.followerMu.Unlock()
	if !stillLeader {
		return wire.Envelope{
			Type:        wire.ClientRequest,
			Direction:   wire.Reply,
			FromAddress: n.Addr,
			FromID:      n.ID,
			Payload:     wire.ClientRequestReply{LeaderAddress: ""},
		}
	}

	time.Sleep(n.params.ServerTimeout / 3)

	n.followerMu.Lock()
	value, err := n.store.Get(cmd.Position)
	n.followerMu.Unlock()
	if err != nil {
		return wire.Envelope{
			Type:        wire.ClientRequest,
			Direction:   wire.Reply,
			FromAddress: n.Addr,
			FromID:      n.ID,
			Payload:     wire.ClientRequestReply{Response: err.Error()},
		}
	}

	return wire.Envelope{
		Type:        wire.ClientRequest,
		Direction:   wire.Reply,
		FromAddress: n.Addr,
		FromID:      n.ID,
		Payload:     wire.ClientRequestReply{Response: value},
	}
}

// handleSet appends the command to the log and persists it
// before replying. The reply the client actually receives for a SET
// is not this function's return value but the asynchronous
// ClientRequest sent from applyCommittedLocked once the entry
// commits; this function's return is the advisory
// wire.PendingResponse placeholder (or an out-of-range error), which
// the client reads past while it waits for the commit reply.
func (n *Node) handleSet(cmd wire.Command) wire.Envelope {
	n.followerMu.Lock()
	if !n.store.Valid(cmd.Position) {
		n.followerMu.Unlock()
		return wire.Envelope{
			Type:        wire.ClientRequest,
			Direction:   wire.Reply,
			FromAddress: n.Addr,
			FromID:      n.ID,
			Payload: wire.ClientRequestReply{
				Response: fmt.Sprintf("position %d out of range", cmd.Position),
			},
		}
	}
	n.log.Append(wire.LogEntry{Command: cmd, Term: n.currentTerm})
	n.persistLocked()
	n.followerMu.Unlock()

	n.broadcastAppendEntries()

	return wire.Envelope{
		Type:        wire.ClientRequest,
		Direction:   wire.Reply,
		FromAddress: n.Addr,
		FromID:      n.ID,
		Payload:     wire.ClientRequestReply{Response: wire.PendingResponse},
	}
}

// clientResponse renders a command's outcome as the string the
// client-facing protocol transmits.
func clientResponse(cmd wire.Command) string {
	if cmd.Action == wire.Get {
		return cmd.OldValue
	}
	return fmt.Sprintf("Set position %d to %q (was %q)", cmd.Position, cmd.NewValue, cmd.OldValue)
}
