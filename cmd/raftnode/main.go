// Command raftnode runs one cluster member: it loads a node's
// configuration, restores its snapshot if one exists, binds its UDP
// socket, and runs until killed.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"raftkv/internal/bootstrap"
	"raftkv/internal/consensus"
)

// Exit codes: 1 = config unreadable, 2 = port already bound,
// 3 = corrupt snapshot.
const (
	exitConfigUnreadable = 1
	exitPortBound        = 2
	exitSnapshotCorrupt  = 3
)

func main() {
	var paramsPath string

	root := &cobra.Command{
		Use:   "raftnode <config.json>",
		Short: "Run one raftkv cluster member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], paramsPath)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&paramsPath, "params", "configs/parameters/params.json", "path to the cluster parameter file")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitErr pins an error to a specific process exit code.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if ee, ok := err.(*exitErr); ok {
		return ee.code
	}
	return 1
}

func snapshotPath(configPath string) string {
	if strings.HasSuffix(configPath, ".json") {
		return strings.TrimSuffix(configPath, ".json") + "-snapshot.json"
	}
	return configPath + "-snapshot.json"
}

func run(configPath, paramsPath string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return &exitErr{exitConfigUnreadable, err}
	}

	snapPath := snapshotPath(configPath)
	snap, err := bootstrap.LoadSnapshot(snapPath)
	if err != nil {
		return &exitErr{exitSnapshotCorrupt, err}
	}
	if snap != nil {
		cfg.Term = snap.Term
		cfg.VotedFor = snap.VotedFor
		cfg.Logs = snap.Logs
		cfg.DictData = snap.DictData
	}

	rawParams, err := bootstrap.LoadParams(paramsPath)
	if err != nil {
		return &exitErr{exitConfigUnreadable, err}
	}
	params := consensus.Params{
		TimeToRetry:      secondsToDuration(rawParams.TimeToRetry),
		ServerTimeout:    secondsToDuration(rawParams.ServerTimeout),
		HeartbeatTimeout: secondsToDuration(rawParams.HeartbeatTimeout),
		ElectionLow:      secondsToDuration(rawParams.ElectionInterval[0]),
		ElectionHigh:     secondsToDuration(rawParams.ElectionInterval[1]),
	}

	persister := bootstrap.NewPersister(snapPath)
	node := consensus.NewNode(cfg, params, persister, logger)

	if err := node.Listen(); err != nil {
		return &exitErr{exitPortBound, err}
	}
	defer node.Close()

	logger.Info().Uint64("node_id", cfg.NodeID).Str("addr", node.Addr).Msg("raftnode started")

	stop := make(chan struct{})
	if err := node.Run(stop); err != nil {
		return fmt.Errorf("raftnode: event loop: %w", err)
	}
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
