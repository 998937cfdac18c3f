// cmd/merklekvctl is the CLI entry-point built with Cobra.
//
// Usage:
//
//	merklekvctl set mykey "hello world"  --server http://localhost:8080
//	merklekvctl get mykey                --server http://localhost:8080
//	merklekvctl delete mykey              --server http://localhost:8080
//	merklekvctl peers list                --server http://localhost:8080
//	merklekvctl peers sync node2          --server http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"merklekv/internal/client"
	"merklekv/internal/command"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "merklekvctl",
		Short: "CLI for a MerkleKV Mobile node's admin surface",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "Node admin address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(setCmd(), getCmd(), deleteCmd(), statsCmd(), peersCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a key-value pair via the node's local command executor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.Execute(context.Background(), command.Request{Op: command.OpSet, Key: args[0], Value: args[1]})
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.Execute(context.Background(), command.Request{Op: command.OpGet, Key: args[0]})
			if err != nil {
				return err
			}
			if resp.Status == "NOT_FOUND" {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			prettyPrint(resp)
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			resp, err := c.Execute(context.Background(), command.Request{Op: command.OpDelete, Key: args[0]})
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the node's Merkle root and known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			stats, err := c.Stats(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(stats)
			return nil
		},
	}
}

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Peer membership and anti-entropy commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known alive peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			peers, err := c.ListPeers(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(peers)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <nodeID>",
		Short: "Register a peer for anti-entropy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			return c.AddPeer(context.Background(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <nodeID>",
		Short: "Deregister a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			return c.RemovePeer(context.Background(), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sync <nodeID>",
		Short: "Trigger one anti-entropy round against a peer immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, timeout)
			result, err := c.TriggerSync(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(result)
			return nil
		},
	})

	return cmd
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
