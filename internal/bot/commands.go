package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"tools.zach/dev/voicecord/internal/report"
	"tools.zach/dev/voicecord/internal/tracker"
)

// messageLimit is the longest chat message the platform accepts.
const messageLimit = 2000

// Replies sent for the common outcomes.
const (
	replyEnabled       = "Voice logging enabled."
	replyDisabled      = "Voice logging disabled."
	replyStatusOn      = "Voice logging is on."
	replyStatusOff     = "Voice logging is off."
	replyCleared       = "Voice history for this server cleared."
	replyDenied        = "You do not have permission to run this command."
	replyNoHistory     = "No voice history recorded."
	replyNoActivity    = "No voice activity recorded today."
	replyFileCaption   = "Here is today's voice log:"
	replyBackupDone    = "Ledger archived as %s and reset."
	replyUnknownPrefix = "Unknown command: `%s%s`. Use `%shelp` for available commands."
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Invocation is one chat message addressed to the bot.
type Invocation struct {
	Server  string
	Channel string
	Author  string
	Content string
}

// BackupFunc archives and resets the ledger now, returning the archive
// date.
type BackupFunc func(ctx context.Context) (string, error)

// RouterOptions configures a [Router].
type RouterOptions struct {
	// Prefix starts every command, e.g. "!".
	Prefix string
	// CommandChannel, when set, is the only text channel name commands are
	// accepted in. help is answered everywhere.
	CommandChannel string
	// AdminRole gates clear and backup. See [Platform.IsAdmin].
	AdminRole string

	Tracker  *tracker.Tracker
	Reports  *report.Builder
	Platform Platform
	Backup   BackupFunc
	// Now defaults to time.Now.
	Now func() time.Time
}

type command struct {
	name   string
	usage  string
	help   string
	admin  bool
	anyway bool // answered outside the command channel
	run    func(r *Router, ctx context.Context, inv Invocation, args []string) string
}

// Router parses chat commands and answers them.
type Router struct {
	opts     RouterOptions
	commands []command
}

// NewRouter returns a router with the built-in command set.
func NewRouter(opts RouterOptions) *Router {
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Router{opts: opts}
	r.commands = []command{
		{name: "help", help: "Show this message.", anyway: true, run: (*Router).help},
		{name: "start", help: "Start recording voice activity.", run: (*Router).start},
		{name: "stop", help: "Stop recording voice activity.", run: (*Router).stop},
		{name: "status", help: "Show whether voice activity is being recorded.", run: (*Router).status},
		{name: "log", usage: "[channel name]", help: "Post today's voice log, optionally for one channel.", run: (*Router).log},
		{name: "send", help: "Upload today's voice log as a file.", run: (*Router).send},
		{name: "clear", help: "Erase this server's voice history.", admin: true, run: (*Router).clear},
		{name: "backup", help: "Archive the ledger now and start a fresh one.", admin: true, run: (*Router).backup},
	}
	return r
}

// ///////////////////////////////////////////////
// Dispatch
// ///////////////////////////////////////////////

// Handle runs the command in inv, if any, and posts the reply. Messages
// without the prefix are ignored. The returned error is a delivery
// failure.
func (r *Router) Handle(ctx context.Context, inv Invocation) error {
	name, args, ok := r.parse(inv.Content)
	if !ok {
		return nil
	}
	cmd := r.lookup(name)

	if cmd == nil || !cmd.anyway {
		if !r.inCommandChannel(ctx, inv.Channel) {
			return nil
		}
	}
	if cmd == nil {
		p := r.opts.Prefix
		return r.reply(ctx, inv.Channel, fmt.Sprintf(replyUnknownPrefix, p, name, p))
	}

	slog.Info("command", "name", cmd.name, "server", inv.Server, "author", inv.Author, "args", args)
	if cmd.admin {
		allowed, err := r.opts.Platform.IsAdmin(ctx, inv.Server, inv.Author, r.opts.AdminRole)
		if err != nil {
			slog.Warn("permission check failed", "command", cmd.name, "author", inv.Author, "error", err)
		}
		if !allowed {
			return r.reply(ctx, inv.Channel, replyDenied)
		}
	}

	text := cmd.run(r, ctx, inv, args)
	if text == "" {
		return nil
	}
	return r.reply(ctx, inv.Channel, text)
}

func (r *Router) parse(content string) (name string, args []string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(content), r.opts.Prefix)
	if !found {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func (r *Router) lookup(name string) *command {
	for i := range r.commands {
		if r.commands[i].name == name {
			return &r.commands[i]
		}
	}
	return nil
}

func (r *Router) inCommandChannel(ctx context.Context, channel string) bool {
	if r.opts.CommandChannel == "" {
		return true
	}
	name, err := r.opts.Platform.ChannelName(ctx, channel)
	if err != nil {
		slog.Debug("command channel lookup failed", "channel", channel, "error", err)
		return false
	}
	return name == r.opts.CommandChannel
}

func (r *Router) reply(ctx context.Context, channel, text string) error {
	for _, chunk := range splitMessage(text, messageLimit) {
		if err := r.opts.Platform.SendText(ctx, channel, chunk); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
	return nil
}

// splitMessage breaks text on line boundaries so every piece fits limit.
// A single line longer than limit is cut.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var out []string
	var cur strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			out = append(out, line[:cut])
			line = line[cut:]
		}
		if cur.Len()+len(line) > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// ///////////////////////////////////////////////
// Commands
// ///////////////////////////////////////////////

func (r *Router) help(context.Context, Invocation, []string) string {
	var b strings.Builder
	b.WriteString("Available commands:\n>>> ")
	for _, c := range r.commands {
		fmt.Fprintf(&b, "**%s%s**", r.opts.Prefix, c.name)
		if c.usage != "" {
			fmt.Fprintf(&b, " %s", c.usage)
		}
		fmt.Fprintf(&b, " - %s\n", c.help)
	}
	return b.String()
}

func (r *Router) start(context.Context, Invocation, []string) string {
	if r.opts.Tracker.Switch().Enable() {
		slog.Info("tracking enabled")
	}
	return replyEnabled
}

func (r *Router) stop(context.Context, Invocation, []string) string {
	if r.opts.Tracker.Switch().Disable() {
		slog.Info("tracking disabled")
	}
	return replyDisabled
}

func (r *Router) status(context.Context, Invocation, []string) string {
	if r.opts.Tracker.Switch().Enabled() {
		return replyStatusOn
	}
	return replyStatusOff
}

func (r *Router) clear(_ context.Context, inv Invocation, _ []string) string {
	if _, err := r.opts.Tracker.ClearServer(inv.Server); err != nil {
		slog.Error("clear not persisted", "server", inv.Server, "error", err)
		return replyCleared + " Saving the ledger failed; the change is kept in memory."
	}
	return replyCleared
}

func (r *Router) backup(ctx context.Context, _ Invocation, _ []string) string {
	if r.opts.Backup == nil {
		return "Backups are not available."
	}
	date, err := r.opts.Backup(ctx)
	if err != nil {
		slog.Error("manual backup failed", "error", err)
		return "Backup failed: " + err.Error()
	}
	return fmt.Sprintf(replyBackupDone, date)
}

// log posts today's report. With arguments, they are joined into a voice
// channel name and the report is limited to that channel.
func (r *Router) log(ctx context.Context, inv Invocation, args []string) string {
	channel := ""
	if len(args) > 0 {
		name := strings.Join(args, " ")
		id, err := r.findVoiceChannel(ctx, inv.Server, name)
		if err != nil {
			slog.Warn("voice channel lookup failed", "server", inv.Server, "name", name, "error", err)
			return fmt.Sprintf("Could not list voice channels: %v", err)
		}
		if id == "" {
			return fmt.Sprintf("No voice channel named '%s'.", name)
		}
		channel = id
	}

	rep, msg := r.build(ctx, inv.Server, channel)
	if rep == nil {
		if channel != "" && msg == replyNoActivity {
			return fmt.Sprintf("No voice activity recorded in '%s' today.", strings.Join(args, " "))
		}
		return msg
	}
	for _, chunk := range rep.Chunks(messageLimit) {
		if err := r.opts.Platform.SendText(ctx, inv.Channel, chunk); err != nil {
			slog.Error("report not delivered", "channel", inv.Channel, "error", err)
			return ""
		}
	}
	return ""
}

func (r *Router) send(ctx context.Context, inv Invocation, _ []string) string {
	rep, msg := r.build(ctx, inv.Server, "")
	if rep == nil {
		return msg
	}
	name, data := rep.Export()
	if err := r.opts.Platform.SendFile(ctx, inv.Channel, name, data, replyFileCaption); err != nil {
		slog.Error("report file not delivered", "channel", inv.Channel, "error", err)
		return "Could not upload the voice log."
	}
	return ""
}

// build returns the report, or nil and the reply explaining why there is
// none.
func (r *Router) build(ctx context.Context, server, channel string) (*report.Report, string) {
	rep, err := r.opts.Reports.BuildDailyReport(ctx, server, r.opts.Now(), channel)
	switch {
	case errors.Is(err, report.ErrNoHistory):
		return nil, replyNoHistory
	case errors.Is(err, report.ErrNoActivityToday):
		return nil, replyNoActivity
	case err != nil:
		slog.Error("report failed", "server", server, "error", err)
		return nil, "Could not build the voice log."
	}
	return rep, ""
}

func (r *Router) findVoiceChannel(ctx context.Context, server, name string) (string, error) {
	channels, err := r.opts.Platform.ListVoiceChannels(ctx, server)
	if err != nil {
		return "", err
	}
	for _, ch := range channels {
		if ch.Name == name {
			return ch.ID, nil
		}
	}
	return "", nil
}
