package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"tools.zach/dev/voicecord/internal/tracker"
)

// commandTimeout bounds the work done for one chat command.
const commandTimeout = 2 * time.Minute

// queueSize is how many voice transitions may wait for the tracker before
// the gateway goroutine blocks.
const queueSize = 256

// Transition is one voice-state change as seen by the gateway, stamped when
// it arrived.
type Transition struct {
	Server      string
	Participant string
	Before      string
	After       string
	At          time.Time
}

// Events routes gateway events to the tracker and the command router.
//
// Voice transitions are stamped on the gateway goroutine and queued;
// [Events.Run] applies them one at a time in arrival order.
type Events struct {
	tracker  *tracker.Tracker
	router   *Router
	platform Platform
	// ignored reports whether a voice channel name is excluded from
	// tracking. nil tracks every channel.
	ignored func(name string) bool
	now     func() time.Time
	queue   chan Transition

	mu    sync.Mutex
	names map[string]string // channel ID -> name, for the ignore filter
}

// NewEvents wires the handlers. ignored may be nil.
func NewEvents(t *tracker.Tracker, router *Router, platform Platform, ignored func(string) bool) *Events {
	return &Events{
		tracker:  t,
		router:   router,
		platform: platform,
		ignored:  ignored,
		now:      time.Now,
		queue:    make(chan Transition, queueSize),
		names:    make(map[string]string),
	}
}

// Register adds the handlers to s. Call before s.Open.
func (e *Events) Register(s *discordgo.Session) {
	s.AddHandler(e.onReady)
	s.AddHandler(e.onVoiceStateUpdate)
	s.AddHandler(e.onChannelUpdate)
	s.AddHandler(e.onChannelDelete)
	s.AddHandler(e.onMessageCreate)
}

// ///////////////////////////////////////////////
// Voice
// ///////////////////////////////////////////////

func (e *Events) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	slog.Info("discord ready", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (e *Events) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil {
		return
	}
	before := ""
	if v.BeforeUpdate != nil {
		before = v.BeforeUpdate.ChannelID
	}
	e.Enqueue(Transition{
		Server:      v.GuildID,
		Participant: v.UserID,
		Before:      before,
		After:       v.ChannelID,
		At:          e.now(),
	})
}

// Enqueue hands tr to [Events.Run]. It blocks while the queue is full.
func (e *Events) Enqueue(tr Transition) {
	e.queue <- tr
}

// Run applies queued transitions until ctx is done, then applies whatever
// is still queued and returns.
func (e *Events) Run(ctx context.Context) {
	for {
		select {
		case tr := <-e.queue:
			e.Apply(ctx, tr)
		case <-ctx.Done():
			for {
				select {
				case tr := <-e.queue:
					e.Apply(context.Background(), tr)
				default:
					return
				}
			}
		}
	}
}

// Apply records one transition. Channels whose names are ignored count as
// "not in voice", so moving into one is a leave and moving out of one is a
// join.
func (e *Events) Apply(ctx context.Context, tr Transition) {
	change := tracker.PresenceChange{
		Server:      tr.Server,
		Participant: tr.Participant,
		Before:      e.filter(ctx, tr.Before),
		After:       e.filter(ctx, tr.After),
		At:          tr.At,
	}
	kind := change.Kind()
	if kind == tracker.KindNone {
		return
	}
	if err := e.tracker.OnPresenceChange(change); err != nil {
		slog.Error("ledger save failed", "kind", kind, "server", tr.Server, "error", err)
	}
}

func (e *Events) filter(ctx context.Context, channel string) string {
	if channel == "" || e.ignored == nil {
		return channel
	}
	name, ok := e.channelName(ctx, channel)
	if !ok {
		return channel
	}
	if e.ignored(name) {
		return ""
	}
	return channel
}

// channelName looks a channel up once and remembers the answer until the
// channel is renamed or deleted. Failed lookups are not remembered.
func (e *Events) channelName(ctx context.Context, channel string) (string, bool) {
	e.mu.Lock()
	name, ok := e.names[channel]
	e.mu.Unlock()
	if ok {
		return name, true
	}
	name, err := e.platform.ChannelName(ctx, channel)
	if err != nil {
		slog.Debug("channel name lookup failed", "channel", channel, "error", err)
		return "", false
	}
	e.mu.Lock()
	e.names[channel] = name
	e.mu.Unlock()
	return name, true
}

func (e *Events) forget(channel string) {
	e.mu.Lock()
	delete(e.names, channel)
	e.mu.Unlock()
}

func (e *Events) onChannelUpdate(_ *discordgo.Session, c *discordgo.ChannelUpdate) {
	if c.Channel != nil {
		e.forget(c.ID)
	}
}

func (e *Events) onChannelDelete(_ *discordgo.Session, c *discordgo.ChannelDelete) {
	if c.Channel != nil {
		e.forget(c.ID)
	}
}

// ///////////////////////////////////////////////
// Commands
// ///////////////////////////////////////////////

// onMessageCreate runs the command on its own goroutine so report building
// never holds up the gateway.
func (e *Events) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	go e.command(Invocation{
		Server:  m.GuildID,
		Channel: m.ChannelID,
		Author:  m.Author.ID,
		Content: m.Content,
	})
}

func (e *Events) command(inv Invocation) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := e.router.Handle(ctx, inv); err != nil {
		slog.Warn("command reply failed", "channel", inv.Channel, "error", err)
	}
}
