// cmd/relaycli is a small operator CLI over the relay's HTTP
// surface, built with Cobra.
//
// Usage:
//
//	relaycli register someone@example.com   --server http://localhost:3010
//	relaycli status                         --server http://localhost:3010
//	relaycli health                         --server http://localhost:3010
//	relaycli clients                        --server http://localhost:3010 --credential <key>
//	relaycli end-session <sessionId>        --server http://localhost:3010 --credential <key>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"foundry-relay/internal/client"
)

var (
	serverAddr string
	credential string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "relaycli",
		Short: "Operator CLI for the foundry relay gateway",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:3010", "relay replica address")
	root.PersistentFlags().StringVarP(&credential, "credential", "c",
		"", "API credential to authenticate as")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(registerCmd(), statusCmd(), healthCmd(), clientsCmd(), endSessionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account and mint its API credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, credential, timeout)
			resp, err := c.Register(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this replica's instance ID, uptime, and connected worlds",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, credential, timeout)
			resp, err := c.Status(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Liveness probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, credential, timeout)
			resp, err := c.Health(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

func clientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List worlds connected under this credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, credential, timeout)
			resp, err := c.Clients(context.Background())
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

func endSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end-session <sessionId>",
		Short: "Tear down a headless browser session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr, credential, timeout)
			if err := c.EndSession(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("ended %q\n", args[0])
			return nil
		},
	}
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
