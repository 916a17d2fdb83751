package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/glimmerdesk/glimmer/internal/config"
	"github.com/glimmerdesk/glimmer/internal/control"
)

// DaemonStatus holds the status information reported by the status command.
type DaemonStatus struct {
	Running       bool   `json:"running"`
	Health        string `json:"health,omitempty"`
	PID           int    `json:"pid,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	PluginCount   int    `json:"plugin_count"`
	ServiceCount  int    `json:"service_count"`
	Error         string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	wait       time.Duration
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of the running glimmer daemon",
		Long:  `Show the health and status of the running glimmer daemon via its control socket.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().DurationVar(&cfg.wait, "wait", 0, "keep retrying until the daemon responds or this duration elapses")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	daemonCfg, err := config.Load(configFile, nil)
	if err != nil {
		return err
	}

	status := queryDaemonStatus(cmd.Context(), daemonCfg.SocketPath, cfg.wait)

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(formatStatusTable(status))
	return nil
}

// queryDaemonStatus queries the control socket, optionally retrying with
// backoff until the daemon answers or the wait budget runs out.
func queryDaemonStatus(ctx context.Context, socketPath string, wait time.Duration) DaemonStatus {
	var status DaemonStatus

	if _, err := os.Stat(socketPath); os.IsNotExist(err) && wait == 0 {
		status.Error = "socket not found"
		return status
	}

	client := control.NewClient(socketPath)

	backoff := retry.NewFibonacci(100 * time.Millisecond)
	if wait > 0 {
		backoff = retry.WithMaxDuration(wait, backoff)
	} else {
		backoff = retry.WithMaxRetries(0, backoff)
	}

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		health, err := client.Health(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		status.Health = health.Status

		daemonStatus, err := client.Status(ctx)
		if err != nil {
			// Health answered, so report running even without details.
			status.Running = true
			return nil
		}
		status.Running = daemonStatus.Running
		status.PID = daemonStatus.PID
		status.UptimeSeconds = daemonStatus.UptimeSeconds
		status.PluginCount = daemonStatus.PluginCount
		status.ServiceCount = daemonStatus.ServiceCount
		return nil
	})
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
	}

	return status
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(status DaemonStatus) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "STATUS\tHEALTH\tPID\tUPTIME\tPLUGINS\tSERVICES")
	_, _ = fmt.Fprintln(w, "------\t------\t---\t------\t-------\t--------")

	if status.Error != "" {
		_, _ = fmt.Fprintf(w, "stopped\t-\t-\t-\t-\t-\n")
		_ = w.Flush()
		return sb.String() + "\nerror: " + status.Error
	}

	running := "stopped"
	if status.Running {
		running = "running"
	}
	uptime := (time.Duration(status.UptimeSeconds) * time.Second).String()
	_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\n",
		running, status.Health, status.PID, uptime, status.PluginCount, status.ServiceCount)
	_ = w.Flush()
	return sb.String()
}
