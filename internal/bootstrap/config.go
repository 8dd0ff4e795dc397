// Package bootstrap loads a node's identity, peer table, and persisted
// state at process start, and performs the atomic rewrite-before-reply
// snapshot persistence every consensus-mutating RPC requires.
package bootstrap

import (
	"encoding/json"
	"fmt"

	"raftkv/internal/wire"
)

// HostPort is a (host, port) pair, serialized as a two-element JSON
// array to match the configuration blob's address field.
type HostPort struct {
	Host string
	Port int
}

func (a HostPort) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func (a HostPort) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{a.Host, a.Port})
}

func (a *HostPort) UnmarshalJSON(data []byte) error {
	var pair [2]interface{}
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	host, _ := pair[0].(string)
	var port int
	switch p := pair[1].(type) {
	case float64:
		port = int(p)
	case int:
		port = p
	default:
		return fmt.Errorf("bootstrap: address port is not a number: %v", pair[1])
	}
	a.Host, a.Port = host, port
	return nil
}

// PeerEntry is one row of a node's peer table.
type PeerEntry struct {
	NodeID  uint64   `json:"node_id"`
	Address HostPort `json:"address"`
}

// Config is the per-node configuration blob, loaded at boot and also
// used as the schema for the rewritable persistence snapshot. Logs
// reuses wire.LogEntry directly: the config/snapshot schema and the
// AppendEntries wire schema are the same shape, so there's no reason
// to keep two parallel struct definitions in sync.
type Config struct {
	NodeID   uint64          `json:"node_id"`
	Port     int             `json:"port"`
	NodeList []PeerEntry     `json:"node_list"`
	Term     uint64          `json:"term"`
	VotedFor *uint64         `json:"voted_for"`
	Logs     []wire.LogEntry `json:"logs"`
	DictData map[int]string  `json:"dict_data"`
}
