// Command raftclient drives the client-side request/redirect protocol
// against a running cluster as a scriptable command line.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"raftkv/internal/bootstrap"
	"raftkv/internal/client"
)

func main() {
	var (
		listenAddr string
		paramsPath string
		servers    []string
	)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	newClient := func() (*client.Client, error) {
		if len(servers) == 0 {
			return nil, fmt.Errorf("raftclient: at least one --server is required")
		}
		params, err := bootstrap.LoadParams(paramsPath)
		if err != nil {
			return nil, err
		}
		return client.New(
			listenAddr,
			servers,
			time.Duration(params.TimeToRetry*float64(time.Second)),
			time.Duration(params.ServerTimeout*float64(time.Second)),
			logger,
		)
	}

	root := &cobra.Command{Use: "raftclient", Short: "Issue GET/SET requests against a raftkv cluster"}
	root.PersistentFlags().StringVar(&listenAddr, "listen", "127.0.0.1:0", "local address to receive replies on")
	root.PersistentFlags().StringVar(&paramsPath, "params", "configs/parameters/params.json", "path to the cluster parameter file")
	root.PersistentFlags().StringSliceVar(&servers, "server", nil, "candidate server address (repeatable)")

	getCmd := &cobra.Command{
		Use:   "get <position>",
		Short: "Read the value at a slot position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("raftclient: position must be an integer: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			value, err := c.Get(position)
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <position> <value>",
		Short: "Write a value to a slot position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("raftclient: position must be an integer: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.Set(position, args[1])
			if err != nil {
				return err
			}
			fmt.Println(resp)
			return nil
		},
	}

	root.AddCommand(getCmd, setCmd)
	root.SilenceUsage = true

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
