// Command raftinit generates a cluster's worth of node configuration
// files plus one client-facing server list per client.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"raftkv/internal/bootstrap"
)

const (
	baseServerPort = 3000
	baseClientPort = 4000
)

// clientConfig is the client-facing counterpart to bootstrap.Config:
// just enough for a client to know where the cluster is. raftclient
// itself takes --server flags directly rather than loading this file,
// since a cobra flag is the more idiomatic Go entrypoint than a config
// file for a one-shot CLI invocation; it's still generated here for
// any future tooling that wants it.
type clientConfig struct {
	Port       int                    `json:"port"`
	ServerList []bootstrap.PeerEntry  `json:"server_list"`
}

func main() {
	var (
		servers int
		clients int
		host    string
		outDir  string
	)

	root := &cobra.Command{
		Use:   "raftinit",
		Short: "Generate node and client configuration files for a fresh raftkv cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return generate(servers, clients, host, outDir)
		},
		SilenceUsage: true,
	}
	root.Flags().IntVar(&servers, "servers", 5, "number of server nodes")
	root.Flags().IntVar(&clients, "clients", 3, "number of client configs to emit")
	root.Flags().StringVar(&host, "host", "127.0.0.1", "address every generated node/client binds on")
	root.Flags().StringVar(&outDir, "out", "configs", "output directory")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var seedDict = map[int]string{1: "Blue", 2: "Yellow", 3: "Red", 4: "Green", 5: "White"}

func generate(servers, clients int, host, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("raftinit: creating %s: %w", outDir, err)
	}

	all := make([]bootstrap.PeerEntry, 0, servers)
	for i := 1; i <= servers; i++ {
		all = append(all, bootstrap.PeerEntry{
			NodeID:  uint64(i),
			Address: bootstrap.HostPort{Host: host, Port: baseServerPort + i},
		})
	}

	for i := 1; i <= servers; i++ {
		peers := make([]bootstrap.PeerEntry, 0, servers-1)
		for _, p := range all {
			if int(p.NodeID) != i {
				peers = append(peers, p)
			}
		}
		cfg := bootstrap.Config{
			NodeID:   uint64(i),
			Port:     baseServerPort + i,
			NodeList: peers,
			Term:     0,
			VotedFor: nil,
			Logs:     nil,
			DictData: seedDict,
		}
		if err := writeJSON(filepath.Join(outDir, fmt.Sprintf("server-%d.json", i)), cfg); err != nil {
			return err
		}
	}

	for i := 1; i <= clients; i++ {
		cfg := clientConfig{
			Port:       baseClientPort + i,
			ServerList: all,
		}
		if err := writeJSON(filepath.Join(outDir, fmt.Sprintf("client-%d.json", i)), cfg); err != nil {
			return err
		}
	}

	paramsDir := filepath.Join(outDir, "parameters")
	if err := os.MkdirAll(paramsDir, 0o755); err != nil {
		return fmt.Errorf("raftinit: creating %s: %w", paramsDir, err)
	}
	params := bootstrap.Params{
		TimeToRetry:      5.0,
		ServerTimeout:    1.0,
		HeartbeatTimeout: 0.5,
		ElectionInterval: [2]float64{1.0, 2.0},
	}
	return writeJSON(filepath.Join(paramsDir, "params.json"), params)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("raftinit: marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("raftinit: writing %s: %w", path, err)
	}
	return nil
}
