package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var adminAddr string

func main() {
	root := &cobra.Command{
		Use:          "waldctl",
		Short:        "Control a running waldd node",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&adminAddr, "addr", "a", "http://127.0.0.1:7433", "admin address of the node")

	root.AddCommand(
		newStatusCmd(),
		newSlotsCmd(),
		newCheckpointCmd(),
		newRestorePointCmd(),
		newPromoteCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var client = &http.Client{Timeout: 30 * time.Second}

// call performs one admin request and pretty-prints the JSON response
func call(method, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, adminAddr+path, reqBody)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, string(data))
	}
	if len(data) == 0 {
		fmt.Println("ok")
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node's position and replication state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/v1/status", nil)
		},
	}
}

func newSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List replication slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/v1/slots", nil)
		},
	}
	var sync bool
	var kind string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a replication slot pinned at the current position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/slots", map[string]any{"name": args[0], "kind": kind, "sync": sync})
		},
	}
	create.Flags().BoolVar(&sync, "sync", false, "count this slot toward the synchronous quorum")
	create.Flags().StringVar(&kind, "kind", "physical", "slot kind: physical or logical")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a disconnected replication slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/v1/slots/"+args[0], nil)
		},
	})
	return cmd
}

func newCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Force a checkpoint and recycle old segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/checkpoint", nil)
		},
	}
}

func newRestorePointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore-point <name>",
		Short: "Name the current log position as a recovery target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/restore-point", map[string]string{"name": args[0]})
		},
	}
}

func newPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Promote a standby to primary on a new timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/promote", nil)
		},
	}
}
