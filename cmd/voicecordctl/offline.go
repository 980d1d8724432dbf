package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tools.zach/dev/voicecord/internal/config"
	"tools.zach/dev/voicecord/internal/ledger"
	"tools.zach/dev/voicecord/internal/logger"
	"tools.zach/dev/voicecord/internal/paths"
	"tools.zach/dev/voicecord/internal/report"
	"tools.zach/dev/voicecord/internal/schedule"
	"tools.zach/dev/voicecord/internal/store"
)

// ///////////////////////////////////////////////
// Ledger Access
// ///////////////////////////////////////////////

type loader interface {
	Load() (*ledger.Ledger, error)
}

// storeSource serves a report from a store without a running tracker.
type storeSource struct {
	st loader
	l  *ledger.Ledger
}

func (s *storeSource) Reload() error {
	l, err := s.st.Load()
	if l == nil {
		l = ledger.New()
	}
	s.l = l
	return err
}

func (s *storeSource) Snapshot() *ledger.Ledger {
	if s.l == nil {
		return ledger.New()
	}
	return s.l.Clone()
}

// idDirectory names everyone by ID; offline there is no chat service to
// ask.
type idDirectory struct{}

func (idDirectory) ResolveParticipant(_ context.Context, _, id string) (report.Participant, error) {
	return report.Participant{ID: id, Mention: "<@" + id + ">", Username: id}, nil
}

func (idDirectory) ChannelName(_ context.Context, id string) (string, error) {
	return id, nil
}

// fileLoader reads a store file without writing next to it.
type fileLoader string

func (f fileLoader) Load() (*ledger.Ledger, error) { return store.ReadFile(string(f)) }

// openLoader returns the configured backend, or the file at override.
func openLoader(ctx context.Context, cfg *config.Config, dir paths.DataDir, override string) (loader, func(), error) {
	if override != "" {
		return fileLoader(override), func() {}, nil
	}
	if cfg.Ledger.Backend == config.BackendRedis {
		rdb, err := store.NewRedisClient(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisStore(rdb, cfg.Redis.KeyPrefix), func() { rdb.Close() }, nil
	}
	return fileLoader(cfg.StorePath(dir)), func() {}, nil
}

// ///////////////////////////////////////////////
// report
// ///////////////////////////////////////////////

type reportOptions struct {
	server  string
	channel string
	date    string
	store   string
	export  string
}

func newReportCmd(a *app) *cobra.Command {
	var opts reportOptions
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a day's voice report from the ledger on disk",
		Long: "Builds the daily report straight from the configured store, without the daemon. " +
			"Participants and channels are shown by ID.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReport(cmd, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "Server ID to report on")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Limit the report to one voice channel ID")
	cmd.Flags().StringVar(&opts.date, "date", "", "Report on this day (YYYY-MM-DD) instead of today")
	cmd.Flags().StringVar(&opts.store, "store", "", "Read this ledger file (e.g. an archive) instead of the configured store")
	cmd.Flags().StringVar(&opts.export, "export", "", "Write the file export into this directory")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func runReport(cmd *cobra.Command, a *app, opts reportOptions) error {
	cfg, err := config.Load(a.dataDir)
	if err != nil {
		return err
	}
	loc := cfg.Location()

	now := a.now().In(loc)
	if opts.date != "" {
		day, err := time.ParseInLocation(schedule.DateLayout, opts.date, loc)
		if err != nil {
			return fmt.Errorf("invalid --date %q: want YYYY-MM-DD", opts.date)
		}
		now = day.AddDate(0, 0, 1).Add(-time.Second)
	}

	st, closeStore, err := openLoader(cmd.Context(), cfg, a.dir(), opts.store)
	if err != nil {
		return err
	}
	defer closeStore()

	b := report.NewBuilder(&storeSource{st: st}, idDirectory{}, loc)
	rep, err := b.BuildDailyReport(cmd.Context(), opts.server, now, opts.channel)
	switch {
	case errors.Is(err, report.ErrNoHistory), errors.Is(err, report.ErrNoActivityToday):
		_, err = fmt.Fprintln(cmd.OutOrStdout(), err.Error())
		return err
	case err != nil:
		return err
	}

	if opts.export != "" {
		name, data := rep.Export()
		path := filepath.Join(opts.export, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), path)
		return err
	}

	blocks := make([]string, len(rep.Lines))
	for i, l := range rep.Lines {
		blocks[i] = l.Plain()
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(blocks, "\n\n"))
	return err
}

// ///////////////////////////////////////////////
// archives, logs, config
// ///////////////////////////////////////////////

func newArchivesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archives",
		Short: "List daily ledger archives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.dataDir)
			if err != nil {
				return err
			}
			if cfg.Ledger.Backend != config.BackendFile {
				return fmt.Errorf("archives are listed for the file backend only (backend is %q)", cfg.Ledger.Backend)
			}
			list, err := store.NewFileStore(cfg.StorePath(a.dir())).Archives()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no archives")
				return err
			}
			for _, p := range list {
				date, _ := paths.ArchiveDate(p)
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", date, p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newLogsCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the last lines of the daemon log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lines, err := logger.Tail(a.dir().Log(), n)
			if err != nil {
				return err
			}
			for _, l := range lines {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), l); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 50, "Number of lines to show")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate the config file and print its path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.dir().Config()
			if _, err := config.Load(a.dataDir); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return err
		},
	}
}
