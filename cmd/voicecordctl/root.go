package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tools.zach/dev/voicecord/internal/control"
	"tools.zach/dev/voicecord/internal/paths"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// callTimeout bounds one request to the daemon.
const callTimeout = 10 * time.Second

type app struct {
	dataDir string
	now     func() time.Time
}

func (a *app) dir() paths.DataDir { return paths.DataDir{Root: a.dataDir} }

// call sends one request to the daemon's control socket.
func (a *app) call(ctx context.Context, req control.Request) (control.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return control.Call(ctx, a.dir().Socket(), req)
}

func newRootCmd() *cobra.Command {
	a := &app{now: time.Now}

	rootCmd := &cobra.Command{
		Use:           "voicecordctl",
		Short:         "Control the voicecord daemon and inspect its voice ledger",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	def := "." + paths.DataDirRel
	if d, err := paths.Default(); err == nil {
		def = d.Root
	}
	rootCmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", def, "voicecord data directory")

	rootCmd.AddCommand(
		newVersionCmd(),
		newStatusCmd(a),
		newSwitchCmd(a, control.CmdStart, "Start recording voice activity"),
		newSwitchCmd(a, control.CmdStop, "Stop recording voice activity"),
		newBackupCmd(a),
		newClearCmd(a),
		newReportCmd(a),
		newArchivesCmd(a),
		newLogsCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
