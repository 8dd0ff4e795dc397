// Package consensus implements the peer node: the role state machine
// (follower/candidate/leader), every inbound RPC handler, commit-index
// advancement, state-machine application, and the client-facing
// redirect protocol's server side.
package consensus

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"raftkv/internal/bootstrap"
	"raftkv/internal/raftlog"
	"raftkv/internal/store"
	"raftkv/internal/timers"
)

// Role is one of Follower, Candidate, Leader.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// roleState is a Role guarded by its own small mutex, deliberately
// independent of followerMu/leaderMu below: the current role must be
// readable from either the follower-handler path or the leader-handler
// path without regard to which of those two coarser locks is held.
type roleState struct {
	mu    sync.RWMutex
	value Role
}

func (s *roleState) get() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func (s *roleState) set(r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = r
}

// Peer is one other member of the cluster.
type Peer struct {
	ID      uint64
	Address string
}

// Params collects the cluster-wide timing configuration (the
// parameter file), converted to time.Duration.
type Params struct {
	TimeToRetry      time.Duration
	ServerTimeout    time.Duration
	HeartbeatTimeout time.Duration
	ElectionLow      time.Duration
	ElectionHigh     time.Duration
}

// Node is the consensus engine for one cluster member. It owns the
// wire codec (via transport.go), the slot store, the log, the timers,
// and runs the follower/candidate/leader state machine.
type Node struct {
	ID      uint64
	Addr    string
	peers   []Peer
	quorum  int

	conn *net.UDPConn

	role roleState

	// followerMu guards the core replicated/persistent state:
	// currentTerm, votedFor, the log, commitIndex, lastApplied, and the
	// last-known leader address. It is held by the RPC-receiver
	// handlers (handleRequestVote, handleAppendEntries) and by the
	// leader-side step-down path. Where both locks are held
	// (becomeLeaderLocked), followerMu is acquired first.
	followerMu sync.Mutex
	currentTerm uint64
	votedFor    *uint64
	log         *raftlog.Log
	store       *store.Store
	commitIndex uint64
	lastApplied uint64
	leaderAddr  string

	// leaderMu guards the leader-only volatile replication state.
	leaderMu   sync.Mutex
	nextIndex  map[uint64]uint64
	matchIndex map[uint64]uint64

	election  *timers.Election
	heartbeat *timers.Heartbeat
	params    Params

	persister *bootstrap.Persister

	log_ zerolog.Logger // trailing underscore: "log" is the replicated Log above
}

// NewNode constructs a Node from a loaded configuration and parameter
// set. It does not bind the socket or start the event loop; call
// Listen then Run.
func NewNode(cfg bootstrap.Config, params Params, persister *bootstrap.Persister, logger zerolog.Logger) *Node {
	peers := make([]Peer, 0, len(cfg.NodeList))
	for _, p := range cfg.NodeList {
		peers = append(peers, Peer{ID: p.NodeID, Address: p.Address.String()})
	}

	sm := store.New(cfg.DictData)

	n := &Node{
		ID:     cfg.NodeID,
		Addr:   (bootstrap.HostPort{Port: cfg.Port}).String(),
		peers:  peers,
		quorum: Quorum(len(peers) + 1),

		currentTerm: cfg.Term,
		votedFor:    cfg.VotedFor,
		log:         raftlog.New(sm),
		store:       sm,
		commitIndex: 0,
		lastApplied: 0,

		nextIndex:  map[uint64]uint64{},
		matchIndex: map[uint64]uint64{},

		election:  timers.NewElection(params.ElectionLow, params.ElectionHigh),
		heartbeat: timers.NewHeartbeat(params.HeartbeatTimeout),
		params:    params,

		persister: persister,
		log_:      logger.With().Uint64("node_id", cfg.NodeID).Logger(),
	}
	n.log.Restore(cfg.Logs)
	n.role.set(Follower)
	return n
}

// Quorum is floor(n/2)+1 for a cluster containing n nodes including
// self. This is the only quorum formula used anywhere in this
// repository.
func Quorum(n int) int {
	return n/2 + 1
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	return n.role.get()
}

// snapshotLocked must be called with followerMu held; it builds the
// Config to persist.
func (n *Node) snapshotLocked(port int) bootstrap.Config {
	peerEntries := make([]bootstrap.PeerEntry, 0, len(n.peers))
	for _, p := range n.peers {
		host, portNum := splitHostPort(p.Address)
		peerEntries = append(peerEntries, bootstrap.PeerEntry{
			NodeID:  p.ID,
			Address: bootstrap.HostPort{Host: host, Port: portNum},
		})
	}
	return bootstrap.Config{
		NodeID:   n.ID,
		Port:     port,
		NodeList: peerEntries,
		Term:     n.currentTerm,
		VotedFor: n.votedFor,
		Logs:     n.log.Entries(),
		DictData: n.store.Snapshot(),
	}
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port := 0
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return host, 0
		}
		port = port*10 + int(c-'0')
	}
	return host, port
}

// persistLocked must be called with followerMu held, and must complete
// before any reply for the triggering RPC is sent — a granted vote or
// an accepted log mutation must hit stable storage before the node
// tells anyone about it.
func (n *Node) persistLocked() {
	_, port := splitHostPort(n.Addr)
	if err := n.persister.Save(n.snapshotLocked(port)); err != nil {
		n.log_.Error().Err(err).Msg("failed to persist snapshot")
	}
}
