// Package report builds the "who was in voice today" report from a ledger
// snapshot.
//
// The builder reloads the store, copies the ledger, and only then resolves
// names through a [Directory], so slow lookups never hold the tracker lock.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"tools.zach/dev/voicecord/internal/ledger"
)

// Sentinel results for an empty report.
var (
	// ErrNoHistory means the server (or the requested channel) has no
	// records at all.
	ErrNoHistory = errors.New("no voice history recorded")
	// ErrNoActivityToday means records exist but none are open or closed
	// today.
	ErrNoActivityToday = errors.New("no voice activity today")
)

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// Source provides the ledger to report on.
type Source interface {
	// Reload refreshes the source from persistent storage. An error is a
	// warning; the source stays usable.
	Reload() error
	// Snapshot returns a private copy of the ledger.
	Snapshot() *ledger.Ledger
}

// Participant is a resolved server member.
type Participant struct {
	ID          string
	Mention     string
	Username    string
	DisplayName string
}

// Directory resolves IDs to names.
type Directory interface {
	ResolveParticipant(ctx context.Context, server, participant string) (Participant, error)
	ChannelName(ctx context.Context, channel string) (string, error)
}

// ///////////////////////////////////////////////
// Report
// ///////////////////////////////////////////////

// Line is one participant in one channel.
type Line struct {
	ChannelID   string
	ChannelName string
	Participant Participant
	JoinedAt    time.Time
	LeftAt      time.Time
	Open        bool
	// Duration is the total connected time as of the report, rounded to
	// the second.
	Duration time.Duration
}

// Report is the built daily report.
type Report struct {
	Server string
	// Channel is the channel filter, empty for the whole server.
	Channel     string
	Date        string
	GeneratedAt time.Time
	Lines       []Line
}

// Builder builds reports in one timezone.
type Builder struct {
	src Source
	dir Directory
	loc *time.Location
}

// NewBuilder returns a builder. loc defines "today" and the displayed join
// times.
func NewBuilder(src Source, dir Directory, loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{src: src, dir: dir, loc: loc}
}

// BuildDailyReport lists every participant of server who is connected now
// or disconnected today. channel, when non-empty, restricts the report to
// one voice channel. Participants whose names cannot be resolved are left
// out.
func (b *Builder) BuildDailyReport(ctx context.Context, server string, now time.Time, channel string) (*Report, error) {
	if err := b.src.Reload(); err != nil {
		slog.Warn("report built from fallback ledger", "error", err)
	}
	snap := b.src.Snapshot()

	if !snap.HasServer(server) || (channel != "" && !snap.HasChannel(server, channel)) {
		return nil, ErrNoHistory
	}

	now = now.In(b.loc)
	today := now.Format("2006-01-02")
	channels := snap.Channels(server)
	if channel != "" {
		channels = []string{channel}
	}

	type candidate struct {
		channel, participant string
		rec                  ledger.Record
	}
	var todays []candidate
	for _, c := range channels {
		snap.Each(server, c, func(p string, rec ledger.Record) {
			if rec.Open() || rec.LeftAt.In(b.loc).Format("2006-01-02") == today {
				todays = append(todays, candidate{c, p, rec})
			}
		})
	}

	names := make(map[string]string)
	rep := &Report{Server: server, Channel: channel, Date: today, GeneratedAt: now}
	for _, cand := range todays {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		who, err := b.dir.ResolveParticipant(ctx, server, cand.participant)
		if err != nil {
			slog.Debug("participant skipped in report", "server", server, "participant", cand.participant, "error", err)
			continue
		}
		name, ok := names[cand.channel]
		if !ok {
			name = b.channelName(ctx, cand.channel)
			names[cand.channel] = name
		}
		rep.Lines = append(rep.Lines, Line{
			ChannelID:   cand.channel,
			ChannelName: name,
			Participant: who,
			JoinedAt:    cand.rec.JoinedAt.In(b.loc),
			LeftAt:      cand.rec.LeftAt,
			Open:        cand.rec.Open(),
			Duration:    ledger.TotalConnected(cand.rec, now).Round(time.Second),
		})
	}
	if len(rep.Lines) == 0 {
		return nil, ErrNoActivityToday
	}

	sort.SliceStable(rep.Lines, func(i, j int) bool {
		x, y := rep.Lines[i], rep.Lines[j]
		if x.ChannelName != y.ChannelName {
			return x.ChannelName < y.ChannelName
		}
		if !x.JoinedAt.Equal(y.JoinedAt) {
			return x.JoinedAt.Before(y.JoinedAt)
		}
		return x.Participant.ID < y.Participant.ID
	})
	return rep, nil
}

// channelName falls back to the channel ID when the lookup fails.
func (b *Builder) channelName(ctx context.Context, channel string) string {
	name, err := b.dir.ChannelName(ctx, channel)
	if err != nil || name == "" {
		slog.Debug("channel name unavailable", "channel", channel, "error", err)
		return channel
	}
	return name
}

// ///////////////////////////////////////////////
// Formatting
// ///////////////////////////////////////////////

// timeLayout is how join times appear in report lines.
const timeLayout = "2006-01-02 15:04:05"

// FormatDuration renders d as "Hh Mm Ss", rounded to the nearest second.
// Hours are not wrapped into days.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%dh %dm %ds", total/3600, total%3600/60, total%60)
}

// Text renders the line for chat, mentioning the participant.
func (l Line) Text() string {
	return l.render(l.Participant.Mention)
}

// Plain renders the line for the exported file, naming the participant
// by username and display name.
func (l Line) Plain() string {
	who := "@" + l.Participant.Username
	if l.Participant.DisplayName != "" && l.Participant.DisplayName != l.Participant.Username {
		who += " (" + l.Participant.DisplayName + ")"
	}
	return l.render(who)
}

func (l Line) render(who string) string {
	state := "connected to"
	if !l.Open {
		state = "was in"
	}
	return fmt.Sprintf("%s %s %s since %s\n(duration: %s)",
		who, state, l.ChannelName, l.JoinedAt.Format(timeLayout), FormatDuration(l.Duration))
}

// Text renders the whole report for chat, one blank line between entries.
func (r *Report) Text() string {
	blocks := make([]string, len(r.Lines))
	for i, l := range r.Lines {
		blocks[i] = l.Text()
	}
	return strings.Join(blocks, "\n\n")
}

// Chunks splits the chat rendering into messages of at most limit bytes
// without breaking an entry. An entry longer than limit is cut.
func (r *Report) Chunks(limit int) []string {
	var out []string
	var cur strings.Builder
	for _, l := range r.Lines {
		block := l.Text()
		if len(block) > limit {
			block = truncate(block, limit)
		}
		sep := 0
		if cur.Len() > 0 {
			sep = 2
		}
		if cur.Len()+sep+len(block) > limit {
			out = append(out, cur.String())
			cur.Reset()
			sep = 0
		}
		if sep > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(block)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Export renders the file variant and its suggested name. The bytes are
// meant to be sent and dropped; nothing is written to disk.
func (r *Report) Export() (name string, data []byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "Voice activity for %s\n", r.Date)
	fmt.Fprintf(&b, "Generated %s\n\n", r.GeneratedAt.Format(timeLayout+" MST"))
	for _, l := range r.Lines {
		b.WriteString(l.Plain())
		b.WriteString("\n\n")
	}
	return fmt.Sprintf("voice-log-%s-%s.txt", r.Server, r.Date), []byte(b.String())
}
