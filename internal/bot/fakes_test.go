package bot

import (
	"context"
	"sync"
	"time"

	"tools.zach/dev/voicecord/internal/ledger"
	"tools.zach/dev/voicecord/internal/report"
	"tools.zach/dev/voicecord/internal/tracker"
)

// memStore keeps the ledger encoded in memory.
type memStore struct {
	mu       sync.Mutex
	data     []byte
	archived []string
}

func (m *memStore) Load() (*ledger.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return ledger.New(), nil
	}
	return ledger.Decode(m.data)
}

func (m *memStore) Save(l *ledger.Ledger) error {
	data, err := ledger.Encode(l)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *memStore) BackupAndReset(date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, date)
	m.data = nil
	return nil
}

type sentFile struct {
	channel, name, caption string
	data                   []byte
}

// fakePlatform answers lookups from maps and records what is sent.
type fakePlatform struct {
	mu       sync.Mutex
	members  map[string]report.Participant
	channels map[string]string
	voice    []VoiceChannel
	admins   map[string]bool
	listErr  error
	lookups  int
	texts    []string
	files    []sentFile
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		members: map[string]report.Participant{
			"u1": {ID: "u1", Mention: "<@u1>", Username: "alice", DisplayName: "Alice"},
			"u2": {ID: "u2", Mention: "<@u2>", Username: "bob", DisplayName: "bob"},
		},
		channels: map[string]string{
			"text":  "voice-log",
			"other": "general-chat",
			"v1":    "General",
			"v2":    "Gaming",
			"afk":   "AFK",
		},
		voice: []VoiceChannel{
			{ID: "v1", Name: "General"},
			{ID: "v2", Name: "Gaming"},
			{ID: "afk", Name: "AFK"},
		},
		admins: map[string]bool{"boss": true},
	}
}

func (f *fakePlatform) ResolveParticipant(_ context.Context, _, id string) (report.Participant, error) {
	p, ok := f.members[id]
	if !ok {
		return report.Participant{}, ErrNotFound
	}
	return p, nil
}

func (f *fakePlatform) ChannelName(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	f.lookups++
	f.mu.Unlock()
	name, ok := f.channels[id]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (f *fakePlatform) ListVoiceChannels(context.Context, string) ([]VoiceChannel, error) {
	return f.voice, f.listErr
}

func (f *fakePlatform) IsAdmin(_ context.Context, _, user, _ string) (bool, error) {
	return f.admins[user], nil
}

func (f *fakePlatform) SendText(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakePlatform) SendFile(_ context.Context, channel, name string, data []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, sentFile{channel, name, caption, data})
	return nil
}

func (f *fakePlatform) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

// rig is a router and event handler over a fresh tracker.
type rig struct {
	store    *memStore
	platform *fakePlatform
	tracker  *tracker.Tracker
	router   *Router
	events   *Events
	now      time.Time
}

func newRig(commandChannel string) *rig {
	r := &rig{
		store:    &memStore{},
		platform: newFakePlatform(),
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	r.tracker = tracker.New(r.store, &tracker.Switch{}, time.UTC)
	r.router = NewRouter(RouterOptions{
		Prefix:         "!",
		CommandChannel: commandChannel,
		Tracker:        r.tracker,
		Reports:        report.NewBuilder(r.tracker, r.platform, time.UTC),
		Platform:       r.platform,
		Backup: func(context.Context) (string, error) {
			if err := r.tracker.BackupAndReset("2024-05-01"); err != nil {
				return "", err
			}
			return "2024-05-01", nil
		},
		Now: func() time.Time { return r.now },
	})
	r.events = NewEvents(r.tracker, r.router, r.platform, func(name string) bool { return name == "AFK" })
	r.events.now = func() time.Time { return r.now }
	return r
}

// move applies a voice transition in g1 stamped with the rig's clock.
func (r *rig) move(participant, before, after string) {
	r.events.Apply(context.Background(), Transition{
		Server: "g1", Participant: participant, Before: before, After: after, At: r.now,
	})
}

func (r *rig) say(author, channel, content string) string {
	r.router.Handle(context.Background(), Invocation{Server: "g1", Channel: channel, Author: author, Content: content})
	return r.platform.last()
}
