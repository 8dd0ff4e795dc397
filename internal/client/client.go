// Package client implements the client-side half of the request/
// redirect protocol: it picks a server to try, sends a Command, and
// follows NotLeader redirects until either a real answer arrives or
// the overall retry deadline expires.
package client

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"

	"raftkv/internal/wire"
)

// Client is a single cluster client, bound to one fixed UDP address so
// it can receive both the server's immediate RPC reply and, for a SET,
// the later asynchronous reply a leader sends once the command
// actually commits. It is not safe for concurrent use by multiple
// goroutines; callers issuing concurrent requests should use one
// Client per goroutine.
type Client struct {
	conn   *net.UDPConn
	addr   string
	servers []string
	leader string // last known/assumed leader address; "" means unknown

	timeToRetry   time.Duration
	serverTimeout time.Duration

	serial int64 // last timestamp used in a serial, in Unix nanoseconds
	log    zerolog.Logger
}

// New binds a Client to localAddr (the address servers should send
// replies to) with the given candidate server list.
func New(localAddr string, servers []string, timeToRetry, serverTimeout time.Duration, logger zerolog.Logger) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("client: resolving %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("client: binding %s: %w", localAddr, err)
	}
	// Resolve a ":0" port request to the one actually bound, since this
	// address is embedded in every Command as ClientAddress and a
	// leader's asynchronous commit reply for a SET is sent there later,
	// well after this call returns.
	boundAddr := conn.LocalAddr().String()
	return &Client{
		conn:          conn,
		addr:          boundAddr,
		servers:       servers,
		timeToRetry:   timeToRetry,
		serverTimeout: serverTimeout,
		log:           logger.With().Str("client", localAddr).Logger(),
	}, nil
}

// Close releases the client's socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// nextSerial mints a new command serial: <client_address>-<timestamp>,
// where timestamp is the wall clock in Unix nanoseconds, bumped by one
// whenever the clock has not advanced past the previous serial so the
// sequence stays strictly increasing.
func (c *Client) nextSerial() string {
	ts := time.Now().UnixNano()
	if ts <= c.serial {
		ts = c.serial + 1
	}
	c.serial = ts
	return fmt.Sprintf("%s-%d", c.addr, c.serial)
}

// Get reads the value at position, following redirects until an
// answer arrives or the retry deadline expires.
func (c *Client) Get(position int) (string, error) {
	cmd := wire.Command{
		ClientAddress: c.addr,
		Serial:        c.nextSerial(),
		Action:        wire.Get,
		Position:      position,
	}
	return c.request(cmd)
}

// Set writes value at position, following redirects until an answer
// arrives or the retry deadline expires.
func (c *Client) Set(position int, value string) (string, error) {
	cmd := wire.Command{
		ClientAddress: c.addr,
		Serial:        c.nextSerial(),
		Action:        wire.Set,
		Position:      position,
		NewValue:      value,
	}
	return c.request(cmd)
}

// request runs the full send/redirect/retry loop: try the assumed
// leader (or a random server if none is known
// yet); on a redirect, switch to the named leader and retry
// immediately; on a timeout, or a reply carrying neither a redirect
// nor a final answer, pick a new random server and retry; give up
// once timeToRetry has elapsed overall.
func (c *Client) request(cmd wire.Command) (string, error) {
	deadline := time.Now().Add(c.timeToRetry)

	for {
		target := c.leader
		if target == "" {
			target = c.randomServer()
		}

		reply, err := c.roundTrip(target, cmd)
		switch {
		case err != nil:
			c.log.Debug().Err(err).Str("target", target).Msg("request round trip failed")
			c.leader = ""
		case reply.LeaderAddress != "":
			c.leader = reply.LeaderAddress // redirect: retry immediately against the named leader
		case reply.Response != "":
			return reply.Response, nil
		default:
			c.leader = "" // no leader known anywhere yet
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("client: no response within %s", c.timeToRetry)
		}
	}
}

func (c *Client) randomServer() string {
	return c.servers[rand.Intn(len(c.servers))]
}

// roundTrip sends cmd to target and waits for a final ClientRequest
// reply within the per-request server timeout, discarding any
// intermediate "pending" acknowledgement a leader sends for a SET
// while the entry is still replicating.
func (c *Client) roundTrip(target string, cmd wire.Command) (wire.ClientRequestReply, error) {
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return wire.ClientRequestReply{}, fmt.Errorf("client: resolving %s: %w", target, err)
	}

	data, err := wire.Encode(wire.Envelope{
		Type:        wire.ClientRequest,
		Direction:   wire.Req,
		FromAddress: c.addr,
		Payload:     wire.ClientRequestArgs{Command: cmd},
	})
	if err != nil {
		return wire.ClientRequestReply{}, fmt.Errorf("client: encoding request: %w", err)
	}
	if _, err := c.conn.WriteToUDP(data, raddr); err != nil {
		return wire.ClientRequestReply{}, fmt.Errorf("client: writing to %s: %w", target, err)
	}

	deadline := time.Now().Add(c.serverTimeout)
	buf := make([]byte, 4096)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return wire.ClientRequestReply{}, err
		}
		nRead, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return wire.ClientRequestReply{}, fmt.Errorf("client: reading reply from %s: %w", target, err)
		}
		env, err := wire.Decode(buf[:nRead])
		if err != nil || env.Type != wire.ClientRequest || env.Direction != wire.Reply {
			continue // stray or malformed datagram; keep waiting for our reply
		}
		rep, ok := env.Payload.(wire.ClientRequestReply)
		if !ok {
			continue
		}
		if rep.Response == wire.PendingResponse {
			continue
		}
		return rep, nil
	}
}
