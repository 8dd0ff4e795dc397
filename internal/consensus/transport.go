package consensus

import (
	"fmt"
	"net"
	"time"

	"raftkv/internal/wire"
)

// udpMaxDatagram is the largest envelope the wire protocol allows on a
// single datagram.
const udpMaxDatagram = 4096

// deadline converts a relative timeout to an absolute time.Time,
// clamping negative durations (an already-fired timer) to "now" so
// SetReadDeadline returns immediately rather than blocking.
func deadline(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	return time.Now().Add(d)
}

// isTimeout reports whether err is a network timeout, as opposed to a
// real socket error worth logging.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Listen binds the node's UDP socket. Binding failure is fatal at boot.
func (n *Node) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", n.Addr)
	if err != nil {
		return fmt.Errorf("consensus: resolving %s: %w", n.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("consensus: binding %s: %w", n.Addr, err)
	}
	n.conn = conn
	n.Addr = conn.LocalAddr().String() // resolves a ":0" port 0 request to the one actually bound
	return nil
}

// Close releases the socket.
func (n *Node) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

// send encodes and fires one envelope at addr. UDP delivery is best
// effort; a send error is logged, never fatal.
func (n *Node) send(addr string, e wire.Envelope) {
	if n.conn == nil {
		return // socket not bound (e.g. a test driving handlers directly)
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		n.log_.Warn().Err(err).Str("to", addr).Msg("resolving peer address")
		return
	}
	data, err := wire.Encode(e)
	if err != nil {
		n.log_.Warn().Err(err).Msg("encoding envelope")
		return
	}
	if _, err := n.conn.WriteToUDP(data, raddr); err != nil {
		n.log_.Warn().Err(err).Str("to", addr).Msg("sending datagram")
	}
}

// sendAndWait sends e to addr and blocks for a single reply envelope
// within timeout, using a dedicated ephemeral socket so concurrent
// outbound calls (leader broadcast fan-out) never race the node's main
// receive loop over the same file descriptor.
func sendAndWait(addr string, e wire.Envelope, timeout time.Duration) (wire.Envelope, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("consensus: resolving %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("consensus: dialing %s: %w", addr, err)
	}
	defer conn.Close()

	data, err := wire.Encode(e)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("consensus: encoding envelope: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return wire.Envelope{}, fmt.Errorf("consensus: writing to %s: %w", addr, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Envelope{}, err
	}
	buf := make([]byte, udpMaxDatagram)
	nRead, err := conn.Read(buf)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("consensus: reading reply from %s: %w", addr, err)
	}
	reply, err := wire.Decode(buf[:nRead])
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("consensus: decoding reply from %s: %w", addr, err)
	}
	return reply, nil
}
