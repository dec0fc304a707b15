// Command client is a thin CLI that sends a single put/get/delete/
// join/leave command to a node's wire listener and prints the
// structured reply, over the same pkg/wire protocol the cluster
// speaks internally rather than a separate HTTP API (SPEC_FULL §6 —
// the teacher's pkg/api HTTP surface is a Non-goal collaborator here).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/coreraft/raftkv/pkg/address"
	"github.com/coreraft/raftkv/pkg/apperr"
	"github.com/coreraft/raftkv/pkg/command"
	"github.com/coreraft/raftkv/pkg/wire"
)

const clientMsgCommand = "Command"

func main() {
	var (
		target     string
		sessionKey string
		timeout    time.Duration
	)

	root := &cobra.Command{
		Use:   "client",
		Short: "Send one command to a raftkv node",
	}
	root.PersistentFlags().StringVar(&target, "target", "", "node canonical address to contact, e.g. /ip4/127.0.0.1/tcp/9090")
	root.PersistentFlags().StringVar(&sessionKey, "session-key", "", "shared-secret HMAC key, must match the cluster's")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	root.MarkPersistentFlagRequired("target")

	run := func(build func(args []string) command.Command) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c := build(args)
			result, err := send(target, sessionKey, timeout, c)
			if err != nil {
				return reportWireError(err)
			}
			printResult(c.Kind, result)
			return nil
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "put <key> <value>",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(args []string) command.Command {
			return command.Command{
				Kind:      command.KindPut,
				Key:       []byte(args[0]),
				Value:     []byte(args[1]),
				ClientID:  uuid.NewString(),
				RequestID: 1,
			}
		}),
	})
	root.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(args []string) command.Command {
			return command.Command{Kind: command.KindGet, Key: []byte(args[0])}
		}),
	})
	root.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(args []string) command.Command {
			return command.Command{
				Kind:      command.KindDelete,
				Key:       []byte(args[0]),
				ClientID:  uuid.NewString(),
				RequestID: 1,
			}
		}),
	})
	root.AddCommand(&cobra.Command{
		Use:   "join <peer-id> <peer-address>",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(args []string) command.Command {
			return command.Command{
				Kind:        command.KindJoin,
				PeerID:      args[0],
				PeerAddress: args[1],
				ClientID:    uuid.NewString(),
				RequestID:   1,
			}
		}),
	})
	root.AddCommand(&cobra.Command{
		Use:   "leave <peer-id>",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(args []string) command.Command {
			return command.Command{
				Kind:      command.KindLeave,
				PeerID:    args[0],
				ClientID:  uuid.NewString(),
				RequestID: 1,
			}
		}),
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// send dials target once and issues cmd, using a throwaway transport
// identity: the client never accepts inbound RPCs, so it never calls
// Serve.
func send(targetAddr, sessionKey string, timeout time.Duration, cmd command.Command) (command.Result, error) {
	addr, err := address.Parse(targetAddr)
	if err != nil {
		return command.Result{}, fmt.Errorf("parse target: %w", err)
	}

	var key []byte
	if sessionKey != "" {
		key = []byte(sessionKey)
	}
	transport := wire.New("cli-"+uuid.NewString(), key, timeout, timeout, zap.NewNop())
	defer transport.Close()

	payload, err := msgpack.Marshal(cmd)
	if err != nil {
		return command.Result{}, fmt.Errorf("encode command: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	respBytes, err := transport.Call(ctx, addr.DialTarget(), addr.ID(), clientMsgCommand, payload)
	if err != nil {
		return command.Result{}, err
	}

	var result command.Result
	if err := msgpack.Unmarshal(respBytes, &result); err != nil {
		return command.Result{}, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

func printResult(kind command.Kind, result command.Result) {
	switch kind {
	case command.KindGet:
		if !result.Found {
			fmt.Println("(not found)")
			return
		}
		fmt.Println(string(result.Value))
	default:
		fmt.Printf("ok (index %d)\n", result.Index)
	}
}

func reportWireError(err error) error {
	code, msg, term, leader := apperr.Decompose(err)
	if leader != "" {
		return fmt.Errorf("%s: %s (term %d, leader hint %s)", code, msg, term, leader)
	}
	return fmt.Errorf("%s: %s (term %d)", code, msg, term)
}
