package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadConfig reads and parses a node's configuration blob.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("bootstrap: reading config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("bootstrap: parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadSnapshot reads a previously persisted snapshot, if present. A
// missing file is not an error — the node simply has no prior state —
// but a present, unparsable file is fatal at boot.
func LoadSnapshot(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bootstrap: reading snapshot %s: %w", path, err)
	}
	var snap Config
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("bootstrap: corrupt snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// Params is the parameter file: cluster-wide timing configuration, all
// given in seconds.
type Params struct {
	TimeToRetry      float64    `json:"TIME_TO_RETRY"`
	ServerTimeout    float64    `json:"SERVER_TIMEOUT"`
	HeartbeatTimeout float64    `json:"HEARTBEAT_TIMEOUT"`
	ElectionInterval [2]float64 `json:"ELECTION_INTERVAL"`
}

// LoadParams reads and parses the parameter file.
func LoadParams(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("bootstrap: reading params %s: %w", path, err)
	}
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("bootstrap: parsing params %s: %w", path, err)
	}
	return p, nil
}
