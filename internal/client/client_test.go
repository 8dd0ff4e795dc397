package client_test

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"raftkv/internal/client"
	"raftkv/internal/wire"
)

// fakeServer is a minimal scripted UDP responder standing in for a
// raftkv node, used to drive the client's retry/redirect loop without
// a real cluster.
type fakeServer struct {
	conn *net.UDPConn
	addr string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)
	return &fakeServer{conn: conn, addr: conn.LocalAddr().String()}
}

func (s *fakeServer) close() { s.conn.Close() }

// respondOnce reads one request and replies with the given payload.
func (s *fakeServer) respondOnce(t *testing.T, reply wire.ClientRequestReply) {
	t.Helper()
	buf := make([]byte, 4096)
	require.NoError(t, s.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, raddr, err := s.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	_, err = wire.Decode(buf[:n])
	require.NoError(t, err)

	data, err := wire.Encode(wire.Envelope{
		Type: wire.ClientRequest, Direction: wire.Reply,
		Payload: reply,
	})
	require.NoError(t, err)
	_, err = s.conn.WriteToUDP(data, raddr)
	require.NoError(t, err)
}

func TestGetFollowsRedirectThenReturnsValue(t *testing.T) {
	follower := newFakeServer(t)
	defer follower.close()
	leader := newFakeServer(t)
	defer leader.close()

	c, err := client.New("127.0.0.1:0", []string{follower.addr}, time.Second, 200*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		follower.respondOnce(t, wire.ClientRequestReply{LeaderAddress: leader.addr})
		leader.respondOnce(t, wire.ClientRequestReply{Response: "Blue"})
	}()

	value, err := c.Get(1)
	require.NoError(t, err)
	require.Equal(t, "Blue", value)
	<-done
}

func TestSetSkipsPendingAckAndReturnsFinalReply(t *testing.T) {
	server := newFakeServer(t)
	defer server.close()

	c, err := client.New("127.0.0.1:0", []string{server.addr}, time.Second, 300*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		require.NoError(t, server.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, raddr, err := server.conn.ReadFromUDP(buf)
		require.NoError(t, err)
		_, err = wire.Decode(buf[:n])
		require.NoError(t, err)

		pending, err := wire.Encode(wire.Envelope{
			Type: wire.ClientRequest, Direction: wire.Reply,
			Payload: wire.ClientRequestReply{Response: wire.PendingResponse},
		})
		require.NoError(t, err)
		_, err = server.conn.WriteToUDP(pending, raddr)
		require.NoError(t, err)

		final, err := wire.Encode(wire.Envelope{
			Type: wire.ClientRequest, Direction: wire.Reply,
			Payload: wire.ClientRequestReply{Response: `Set position 1 to "X" (was "")`},
		})
		require.NoError(t, err)
		_, err = server.conn.WriteToUDP(final, raddr)
		require.NoError(t, err)
	}()

	resp, err := c.Set(1, "X")
	require.NoError(t, err)
	require.Equal(t, `Set position 1 to "X" (was "")`, resp)
	<-done
}

func TestRequestGivesUpAfterRetryDeadline(t *testing.T) {
	server := newFakeServer(t)
	defer server.close() // never replies

	c, err := client.New("127.0.0.1:0", []string{server.addr}, 150*time.Millisecond, 40*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(1)
	require.Error(t, err)
}
