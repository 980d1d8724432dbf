package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tools.zach/dev/voicecord/internal/control"
	"tools.zach/dev/voicecord/internal/sysinfo"
)

// request sends req and turns a failed response into an error.
func request(cmd *cobra.Command, a *app, req control.Request) (control.Response, error) {
	resp, err := a.call(cmd.Context(), req)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, errors.New(resp.Message)
	}
	return resp, nil
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, tracking and ledger status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := request(cmd, a, control.Request{Command: control.CmdStatus})
			if err != nil {
				return err
			}
			if resp.Status == nil {
				return errors.New("daemon returned no status")
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp.Status)
			}
			return writeStatus(cmd.OutOrStdout(), resp.Status, a.now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

func onOff(b bool, on, off string) string {
	if b {
		return on
	}
	return off
}

func writeStatus(w io.Writer, s *control.Status, now time.Time) error {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		loc = time.UTC
	}
	uptime := now.Sub(s.StartedAt).Truncate(time.Second)
	lines := []string{
		fmt.Sprintf("voicecord %s (pid %d), up %s", s.Version, s.PID, uptime),
		fmt.Sprintf("discord:     %s", onOff(s.Connected, "connected", "disconnected")),
		fmt.Sprintf("tracking:    %s", onOff(s.Enabled, "enabled", "disabled")),
		fmt.Sprintf("ledger:      %s, %d servers, %d records (%d open)", s.Backend, s.Servers, s.Records, s.Open),
		fmt.Sprintf("timezone:    %s", s.Timezone),
	}
	if !s.NextBackup.IsZero() {
		lines = append(lines, fmt.Sprintf("next backup: %s", s.NextBackup.In(loc).Format("2006-01-02 15:04 MST")))
	}
	lines = append(lines, fmt.Sprintf("host:        cpu %.1f%%, mem %.1f%%, rss %s",
		s.CPUPercent, s.MemoryPercent, sysinfo.FormatBytes(s.ProcessRSS)))
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func newSwitchCmd(a *app, command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := request(cmd, a, control.Request{Command: command})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return err
		},
	}
}

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Archive the ledger now and start a fresh one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := request(cmd, a, control.Request{Command: control.CmdBackup})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return err
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <server-id>",
		Short: "Erase one server's voice history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd, a, control.Request{Command: control.CmdClear, Server: args[0]})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return err
		},
	}
}
