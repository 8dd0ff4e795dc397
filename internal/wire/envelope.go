// Package wire implements the single tagged message envelope that
// carries every RPC between raftkv nodes and clients, and its JSON
// encoding on the UDP transport.
package wire

import (
	"encoding/json"
	"fmt"
)

// MsgType names the RPC a Envelope carries.
type MsgType string

const (
	RequestVote   MsgType = "RequestVote"
	AppendEntries MsgType = "AppendEntries"
	ClientRequest MsgType = "ClientRequest"
)

// Direction distinguishes a request from its reply.
type Direction string

const (
	Req   Direction = "request"
	Reply Direction = "reply"
)

// Payload is implemented by each RPC's request/reply variant. An
// Envelope carries exactly one Payload, selected by Type and Direction.
type Payload interface {
	msgType() MsgType
	direction() Direction
}

type RequestVoteArgs struct {
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (RequestVoteArgs) msgType() MsgType    { return RequestVote }
func (RequestVoteArgs) direction() Direction { return Req }

type RequestVoteReply struct {
	Granted bool
}

func (RequestVoteReply) msgType() MsgType    { return RequestVote }
func (RequestVoteReply) direction() Direction { return Reply }

type AppendEntriesArgs struct {
	PrevIndex   uint64
	PrevTerm    uint64
	Entries     []LogEntry
	CommitIndex uint64
}

func (AppendEntriesArgs) msgType() MsgType    { return AppendEntries }
func (AppendEntriesArgs) direction() Direction { return Req }

type AppendEntriesReply struct {
	Success    bool
	MatchIndex uint64
}

func (AppendEntriesReply) msgType() MsgType    { return AppendEntries }
func (AppendEntriesReply) direction() Direction { return Reply }

type ClientRequestArgs struct {
	Command Command
}

func (ClientRequestArgs) msgType() MsgType    { return ClientRequest }
func (ClientRequestArgs) direction() Direction { return Req }

// ClientRequestReply carries exactly one of Response or LeaderAddress set;
// both may be empty when the server has no leader information at all.
type ClientRequestReply struct {
	Response      string
	LeaderAddress string
}

func (ClientRequestReply) msgType() MsgType    { return ClientRequest }
func (ClientRequestReply) direction() Direction { return Reply }

// Envelope is the common header shared by every RPC, plus the one
// Payload variant it carries.
type Envelope struct {
	Type        MsgType
	Direction   Direction
	FromAddress string
	ToAddress   string
	FromID      uint64
	Term        uint64
	Payload     Payload
}

// wireEnvelope is the flat on-the-wire JSON shape: common fields plus
// every per-type field, nullable and omitted when unused.
type wireEnvelope struct {
	MsgType     MsgType   `json:"msg_type"`
	Direction   Direction `json:"direction,omitempty"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address,omitempty"`
	FromID      uint64    `json:"from_id"`
	Term        uint64    `json:"term"`

	LastLogIndex *uint64 `json:"last_log_index,omitempty"`
	LastLogTerm  *uint64 `json:"last_log_term,omitempty"`
	Granted      *bool   `json:"granted,omitempty"`

	PrevIndex   *uint64     `json:"prev_index,omitempty"`
	PrevTerm    *uint64     `json:"prev_term,omitempty"`
	Entries     []LogEntry  `json:"entries,omitempty"`
	CommitIndex *uint64     `json:"commit_index,omitempty"`
	Success     *bool       `json:"success,omitempty"`
	MatchIndex  *uint64     `json:"match_index,omitempty"`

	Command       *Command `json:"command,omitempty"`
	Response      *string  `json:"response,omitempty"`
	LeaderAddress *string  `json:"leader_address,omitempty"`
}

func u64p(v uint64) *uint64 { return &v }
func boolp(v bool) *bool    { return &v }
func strp(v string) *string { return &v }

// MarshalJSON flattens the Envelope's typed Payload into the common
// wire shape, omitting every field the Payload doesn't use.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		MsgType:     e.Type,
		Direction:   e.Direction,
		FromAddress: e.FromAddress,
		ToAddress:   e.ToAddress,
		FromID:      e.FromID,
		Term:        e.Term,
	}

	switch p := e.Payload.(type) {
	case RequestVoteArgs:
		w.LastLogIndex = u64p(p.LastLogIndex)
		w.LastLogTerm = u64p(p.LastLogTerm)
	case RequestVoteReply:
		w.Granted = boolp(p.Granted)
	case AppendEntriesArgs:
		w.PrevIndex = u64p(p.PrevIndex)
		w.PrevTerm = u64p(p.PrevTerm)
		w.Entries = p.Entries
		w.CommitIndex = u64p(p.CommitIndex)
	case AppendEntriesReply:
		w.Success = boolp(p.Success)
		w.MatchIndex = u64p(p.MatchIndex)
	case ClientRequestArgs:
		w.Command = &p.Command
	case ClientRequestReply:
		if p.Response != "" {
			w.Response = strp(p.Response)
		}
		if p.LeaderAddress != "" {
			w.LeaderAddress = strp(p.LeaderAddress)
		}
	case nil:
		// Unknown/undecodable payload: header-only envelope.
	default:
		return nil, fmt.Errorf("wire: unknown payload type %T", p)
	}

	return json.Marshal(w)
}

// UnmarshalJSON reconstructs the Envelope's typed Payload from the flat
// wire shape, using Type and Direction to pick the variant. Envelopes
// of an unrecognized Type decode with a nil Payload rather than an
// error, so the caller can drop them silently.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	e.Type = w.MsgType
	e.Direction = w.Direction
	e.FromAddress = w.FromAddress
	e.ToAddress = w.ToAddress
	e.FromID = w.FromID
	e.Term = w.Term

	switch {
	case w.MsgType == RequestVote && w.Direction == Req:
		e.Payload = RequestVoteArgs{
			LastLogIndex: derefU64(w.LastLogIndex),
			LastLogTerm:  derefU64(w.LastLogTerm),
		}
	case w.MsgType == RequestVote && w.Direction == Reply:
		e.Payload = RequestVoteReply{Granted: derefBool(w.Granted)}
	case w.MsgType == AppendEntries && w.Direction == Req:
		e.Payload = AppendEntriesArgs{
			PrevIndex:   derefU64(w.PrevIndex),
			PrevTerm:    derefU64(w.PrevTerm),
			Entries:     w.Entries,
			CommitIndex: derefU64(w.CommitIndex),
		}
	case w.MsgType == AppendEntries && w.Direction == Reply:
		e.Payload = AppendEntriesReply{
			Success:    derefBool(w.Success),
			MatchIndex: derefU64(w.MatchIndex),
		}
	case w.MsgType == ClientRequest && w.Direction == Req:
		var cmd Command
		if w.Command != nil {
			cmd = *w.Command
		}
		e.Payload = ClientRequestArgs{Command: cmd}
	case w.MsgType == ClientRequest && w.Direction == Reply:
		e.Payload = ClientRequestReply{
			Response:      derefStr(w.Response),
			LeaderAddress: derefStr(w.LeaderAddress),
		}
	default:
		e.Payload = nil
	}

	return nil
}

func derefU64(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefBool(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Encode serializes an Envelope to UTF-8 JSON.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a UTF-8 JSON Envelope. Unknown msg_type values decode
// without error and with a nil Payload; the caller is expected to drop
// those.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
