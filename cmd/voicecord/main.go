// Package main implements the voicecord daemon, which records how long
// members spend in Discord voice channels and answers operator commands.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/bwmarrin/discordgo"

	"tools.zach/dev/voicecord/internal/bot"
	"tools.zach/dev/voicecord/internal/config"
	"tools.zach/dev/voicecord/internal/control"
	"tools.zach/dev/voicecord/internal/logger"
	"tools.zach/dev/voicecord/internal/paths"
	"tools.zach/dev/voicecord/internal/report"
	"tools.zach/dev/voicecord/internal/schedule"
	"tools.zach/dev/voicecord/internal/store"
	"tools.zach/dev/voicecord/internal/sysinfo"
	"tools.zach/dev/voicecord/internal/tracker"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time via -ldflags "-X main.version=...".
// Bare go builds fall back to the embedded VCS revision.
var version = "dev"

// resolveVersion returns [version] when set by ldflags, otherwise
// "dev+<hash>" from the build info.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	hash := revision[:min(7, len(revision))]
	if dirty {
		return "dev+" + hash + ".dirty"
	}
	return "dev+" + hash
}

// ///////////////////////////////////////////////
// PID Management
// ///////////////////////////////////////////////

// pidToken returns a random token proving this instance wrote the PID file.
func pidToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writePID opens and locks the PID file and writes "PID:TOKEN". The handle
// must stay open for the daemon's lifetime to keep the lock.
func writePID(dir DataPaths, token string) (*os.File, error) {
	f, err := os.OpenFile(dir.PID(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock PID file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d:%s", os.Getpid(), token); err != nil {
		_ = unlockFile(f)
		f.Close()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return f, nil
}

// removePID unlocks and closes f, then deletes the PID file if it still
// carries token.
func removePID(dir DataPaths, token string, f *os.File) {
	if f != nil {
		_ = unlockFile(f)
		f.Close()
	}
	data, err := os.ReadFile(dir.PID())
	if err != nil {
		return
	}
	parts := strings.SplitN(string(data), ":", 2)
	if len(parts) == 2 && parts[1] == token {
		os.Remove(dir.PID())
	}
}

// checkStalePID reports whether another daemon holds the PID lock. A file
// whose lock can be taken belongs to a dead instance and is removed.
func checkStalePID(dir DataPaths) (alive bool, pid int) {
	f, err := os.OpenFile(dir.PID(), os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}

	if lockErr := lockFile(f); lockErr != nil {
		data, _ := os.ReadFile(dir.PID())
		f.Close()
		parts := strings.SplitN(string(data), ":", 2)
		if p, convErr := strconv.Atoi(parts[0]); convErr == nil {
			return true, p
		}
		return true, 0
	}

	_ = unlockFile(f)
	f.Close()
	os.Remove(dir.PID())
	return false, 0
}

// ///////////////////////////////////////////////
// Store
// ///////////////////////////////////////////////

// openStore builds the configured backend. fileStore is nil for Redis;
// closer, when non-nil, releases backend connections.
func openStore(ctx context.Context, cfg *config.Config, dir DataPaths) (st tracker.Store, fileStore *store.FileStore, closer io.Closer, err error) {
	switch cfg.Ledger.Backend {
	case config.BackendRedis:
		rdb, err := store.NewRedisClient(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return store.NewRedisStore(rdb, cfg.Redis.KeyPrefix), nil, rdb, nil
	default:
		fs := store.NewFileStore(cfg.StorePath(dir))
		return fs, fs, nil, nil
	}
}

// ///////////////////////////////////////////////
// Main
// ///////////////////////////////////////////////

func main() {
	def, err := paths.Default()
	if err != nil {
		def = DataPaths{Root: "." + string(os.PathSeparator) + paths.DataDirRel}
	}
	dataDir := flag.String("data-dir", def.Root, "Data directory for config, ledger, and logs")
	startOn := flag.Bool("start", false, "Begin recording voice activity immediately")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	ver := resolveVersion()
	if *showVersion {
		fmt.Println(ver)
		return
	}

	dir := DataPaths{Root: *dataDir}
	if err := os.MkdirAll(dir.Root, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create data dir: %v\n", err)
		os.Exit(1)
	}

	if alive, pid := checkStalePID(dir); alive {
		fmt.Fprintf(os.Stderr, "daemon already running (pid %d)\n", pid)
		os.Exit(1)
	}

	if wrote, err := config.EnsureDefault(dir.Root); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	} else if wrote {
		fmt.Fprintf(os.Stderr, "wrote default config to %s\n", dir.Config())
	}

	cfg, err := config.Load(dir.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load config: %v\n", err)
		os.Exit(1)
	}

	level, _ := logger.ParseLevel(cfg.Log.Level)
	opts := logger.Options{Path: dir.Log(), Level: level, MaxSizeMB: cfg.Log.MaxSizeMB}
	if cfg.Log.Console {
		opts.Console = os.Stderr
	}
	log, logCloser, err := logger.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	if err := daemonMain(cfg, dir, ver, *startOn); err != nil {
		slog.Error("daemon stopped", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

// daemonMain owns everything between config load and shutdown.
func daemonMain(cfg *config.Config, dir DataPaths, ver string, startOn bool) error {
	slog.Info("voicecord starting", "version", ver, "data_dir", dir.Root,
		"backend", cfg.Ledger.Backend, "timezone", cfg.Location().String())

	if cfg.Discord.Token == "" {
		return fmt.Errorf("no bot token: set discord.token in %s or %s", dir.Config(), config.EnvToken)
	}

	token := pidToken()
	pidFile, err := writePID(dir, token)
	if err != nil {
		return err
	}
	defer removePID(dir, token, pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, fileStore, storeCloser, err := openStore(ctx, cfg, dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if storeCloser != nil {
		defer storeCloser.Close()
	}

	sw := &tracker.Switch{}
	if startOn {
		sw.Enable()
	}
	tr := tracker.New(st, sw, cfg.Location())

	sess, err := bot.NewSession(cfg.Discord.Token)
	if err != nil {
		return err
	}
	d := newDaemon(cfg, tr, ver)
	d.session = sess
	d.wire(bot.NewDiscord(sess))

	applied := make(chan struct{})
	go func() {
		d.events.Run(ctx)
		close(applied)
	}()

	if err := connectWithRetry(sess, 5*time.Second); err != nil {
		return err
	}
	defer sess.Close()
	slog.Info("connected to Discord", "tracking", sw.Enabled())

	srv, err := control.Listen(dir.Socket(), d.handleControl)
	if err != nil {
		return err
	}
	defer srv.Close()
	go srv.Serve(ctx)

	var events <-chan struct{}
	if fileStore != nil {
		w, err := store.NewWatcher(fileStore.Path())
		if err != nil {
			slog.Warn("store watcher unavailable, external edits need a report to be picked up", "error", err)
		} else {
			defer w.Close()
			if w.Polling() {
				slog.Info("using polling mode for store watching")
			}
			events = w.Events()
		}
	}

	d.run(ctx, signalChannel(), events, fileStore)

	// Stop the gateway first so nothing more is queued, then let the
	// tracker goroutine apply what is left.
	sess.Close()
	cancel()
	<-applied
	return nil
}

// ///////////////////////////////////////////////
// Connect with Retry
// ///////////////////////////////////////////////

// connectWithRetry opens the gateway up to 10 times, sleeping interval
// between failures. discordgo reconnects on its own once opened.
func connectWithRetry(sess *discordgo.Session, interval time.Duration) error {
	const maxAttempts = 10

	for i := 0; i < maxAttempts; i++ {
		err := sess.Open()
		if err == nil {
			return nil
		}
		slog.Warn("Discord connect attempt failed", "attempt", i+1, "error", err)
		if i < maxAttempts-1 {
			time.Sleep(interval)
		}
	}
	return fmt.Errorf("failed to connect after %d attempts", maxAttempts)
}

// ///////////////////////////////////////////////
// Daemon
// ///////////////////////////////////////////////

// daemon holds the state shared by the event loop, chat commands and the
// control socket.
type daemon struct {
	cfg     *config.Config
	tracker *tracker.Tracker
	daily   schedule.Daily
	version string
	started time.Time
	now     func() time.Time

	session *discordgo.Session
	events  *bot.Events

	mu         sync.Mutex
	nextBackup time.Time
}

func newDaemon(cfg *config.Config, tr *tracker.Tracker, ver string) *daemon {
	hour, minute := cfg.BackupClock()
	return &daemon{
		cfg:     cfg,
		tracker: tr,
		daily:   schedule.Daily{Hour: hour, Minute: minute, Loc: cfg.Location()},
		version: ver,
		started: time.Now(),
		now:     time.Now,
	}
}

// wire builds the router and event handlers on platform and registers them
// with the session, if there is one.
func (d *daemon) wire(platform bot.Platform) {
	router := bot.NewRouter(bot.RouterOptions{
		Prefix:         d.cfg.Discord.CommandPrefix,
		CommandChannel: d.cfg.Discord.CommandChannel,
		AdminRole:      d.cfg.Discord.AdminRole,
		Tracker:        d.tracker,
		Reports:        report.NewBuilder(d.tracker, platform, d.cfg.Location()),
		Platform:       platform,
		Backup:         func(context.Context) (string, error) { return d.backupNow() },
	})
	var ignored func(string) bool
	if len(d.cfg.Tracking.IgnoreChannels) > 0 {
		ignored = d.cfg.IsIgnoredChannel
	}
	d.events = bot.NewEvents(d.tracker, router, platform, ignored)
	if d.session != nil {
		d.events.Register(d.session)
	}
}

// backupNow archives the ledger under today's date.
func (d *daemon) backupNow() (string, error) {
	date := d.daily.Date(d.now())
	if err := d.tracker.BackupAndReset(date); err != nil {
		return "", err
	}
	return date, nil
}

// scheduledBackup runs the daily backup that fired at fire.
func (d *daemon) scheduledBackup(fire time.Time) {
	date := d.daily.ArchiveDate(fire)
	if err := d.tracker.BackupAndReset(date); err != nil {
		slog.Error("scheduled backup failed", "date", date, "error", err)
		return
	}
	slog.Info("scheduled backup complete", "date", date)
}

// armBackup returns a timer for the next backup after now and records when
// it fires.
func (d *daemon) armBackup(now time.Time) (*time.Timer, time.Time) {
	next := d.daily.Next(now)
	d.mu.Lock()
	d.nextBackup = next
	d.mu.Unlock()
	slog.Debug("next backup scheduled", "at", next)
	return time.NewTimer(next.Sub(now)), next
}

// run is the main event loop: shutdown signals, store file changes and the
// daily backup timer.
func (d *daemon) run(ctx context.Context, sigCh <-chan os.Signal, storeEvents <-chan struct{}, fileStore *store.FileStore) {
	timer, fire := d.armBackup(d.now())
	defer func() { timer.Stop() }()

	for {
		select {
		case <-sigCh:
			slog.Info("received shutdown signal")
			return

		case <-ctx.Done():
			return

		case <-storeEvents:
			d.reloadIfChanged(fileStore)

		case <-timer.C:
			d.scheduledBackup(fire)
			timer, fire = d.armBackup(d.now())
		}
	}
}

// reloadIfChanged adopts an externally edited store file. Our own saves
// leave the content digest unchanged and are skipped.
func (d *daemon) reloadIfChanged(fs *store.FileStore) {
	if fs == nil {
		return
	}
	changed, err := fs.Modified()
	if err != nil {
		slog.Debug("store check failed", "error", err)
		return
	}
	if !changed {
		return
	}
	slog.Info("store changed on disk, reloading", "path", fs.Path())
	if err := d.tracker.Reload(); err != nil {
		slog.Warn("reload after external edit", "error", err)
	}
}

// ///////////////////////////////////////////////
// Control
// ///////////////////////////////////////////////

// handleControl answers voicecordctl requests.
func (d *daemon) handleControl(_ context.Context, req control.Request) control.Response {
	switch req.Command {
	case control.CmdStatus:
		return control.Response{OK: true, Status: d.status()}

	case control.CmdStart:
		if !d.tracker.Switch().Enable() {
			return control.Response{OK: true, Message: "tracking already enabled"}
		}
		slog.Info("tracking enabled via control socket")
		return control.Response{OK: true, Message: "tracking enabled"}

	case control.CmdStop:
		if !d.tracker.Switch().Disable() {
			return control.Response{OK: true, Message: "tracking already disabled"}
		}
		slog.Info("tracking disabled via control socket")
		return control.Response{OK: true, Message: "tracking disabled"}

	case control.CmdBackup:
		date, err := d.backupNow()
		if err != nil {
			return control.Errorf("backup failed: %v", err)
		}
		return control.Response{OK: true, Message: "archived as " + date}

	case control.CmdClear:
		if req.Server == "" {
			return control.Errorf("clear needs a server ID")
		}
		removed, err := d.tracker.ClearServer(req.Server)
		switch {
		case err != nil:
			return control.Errorf("cleared in memory, save failed: %v", err)
		case !removed:
			return control.Response{OK: true, Message: "no history for server " + req.Server}
		}
		return control.Response{OK: true, Message: "cleared server " + req.Server}

	default:
		return control.Errorf("unknown command %q", req.Command)
	}
}

func (d *daemon) status() *control.Status {
	stats := d.tracker.Stats()
	d.mu.Lock()
	next := d.nextBackup
	d.mu.Unlock()

	s := &control.Status{
		PID:        os.Getpid(),
		Version:    d.version,
		StartedAt:  d.started,
		Enabled:    stats.Enabled,
		Backend:    d.cfg.Ledger.Backend,
		Servers:    stats.Servers,
		Records:    stats.Records,
		Open:       stats.Open,
		NextBackup: next,
		Timezone:   d.cfg.Location().String(),
	}
	if d.session != nil {
		d.session.RLock()
		s.Connected = d.session.DataReady
		d.session.RUnlock()
	}
	usage, err := sysinfo.Sample()
	if err != nil {
		slog.Debug("resource sample incomplete", "error", err)
	}
	s.CPUPercent = usage.CPUPercent
	s.MemoryPercent = usage.MemoryPercent
	s.ProcessRSS = usage.ProcessRSS
	return s
}
