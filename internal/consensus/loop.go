package consensus

import (
	"net"

	"raftkv/internal/wire"
)

// Run is the node's single event-loop goroutine: it blocks on the UDP
// socket with a read deadline bounded by whichever timer is closer to
// firing, dispatches whatever datagram (if any) arrived, and then
// checks both timers again. Everything about role transitions and RPC
// handling funnels through this one goroutine except the leader's
// broadcast fan-out, which runs its own short-lived goroutines per
// call and rejoins before Run's next iteration.
//
// Collapses what could be three per-role loops into one, because this
// transport is a shared UDP socket rather than per-role channels.
func (n *Node) Run(stop <-chan struct{}) error {
	buf := make([]byte, udpMaxDatagram)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		timeout := n.election.Remaining()
		if h := n.heartbeat.Remaining(); n.Role() == Leader && h < timeout {
			timeout = h
		}
		if err := n.conn.SetReadDeadline(deadline(timeout)); err != nil {
			return err
		}

		nRead, raddr, err := n.conn.ReadFromUDP(buf)
		if err == nil {
			n.dispatch(buf[:nRead], raddr)
		} else if !isTimeout(err) {
			n.log_.Warn().Err(err).Msg("reading from socket")
		}

		n.tick()
	}
}

// dispatch decodes one inbound datagram and routes it to the matching
// handler, replying in place over the same socket. Malformed or
// unrecognized datagrams are dropped without a reply and logged at
// debug level; UDP already tolerates lost packets, so tolerating
// garbage packets costs nothing extra.
func (n *Node) dispatch(data []byte, raddr *net.UDPAddr) {
	env, err := wire.Decode(data)
	if err != nil || env.Payload == nil {
		n.log_.Debug().Err(err).Str("msg_type", string(env.Type)).Msg("dropping undecodable or unknown datagram")
		return
	}

	var reply wire.Envelope
	switch {
	case env.Type == wire.RequestVote && env.Direction == wire.Req:
		reply = n.handleRequestVote(env)
	case env.Type == wire.AppendEntries && env.Direction == wire.Req:
		reply = n.handleAppendEntries(env)
	case env.Type == wire.ClientRequest && env.Direction == wire.Req:
		reply = n.handleClientRequest(env)
	default:
		// Replies to our own outbound RPCs arrive on the ephemeral
		// sockets sendAndWait opened, never on the main socket, so
		// anything else landing here is unexpected and dropped.
		return
	}

	data, err = wire.Encode(reply)
	if err != nil {
		n.log_.Warn().Err(err).Msg("encoding reply")
		return
	}
	if _, err := n.conn.WriteToUDP(data, raddr); err != nil {
		n.log_.Warn().Err(err).Str("to", raddr.String()).Msg("replying")
	}
}

// tick checks both timers and acts on whichever has fired: a fired
// election timer (follower or candidate) starts a new election; a
// fired heartbeat (leader only) broadcasts AppendEntries to every
// peer.
func (n *Node) tick() {
	if n.Role() == Leader {
		if n.heartbeat.Fired() {
			n.heartbeat.Reset()
			n.broadcastAppendEntries()
		}
		return
	}
	if n.election.Fired() {
		n.startElection()
	}
}
