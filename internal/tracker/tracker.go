// Package tracker turns voice-state notifications into ledger updates.
//
// A [Tracker] owns the live [ledger.Ledger]. Every mutation (presence
// change, clear, reload, backup) runs under one mutex and is followed by a
// synchronous save, so the store always reflects the last processed event.
// Readers get deep copies through [Tracker.Snapshot].
package tracker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tools.zach/dev/voicecord/internal/ledger"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Store persists the ledger. Load fails soft: a missing store yields an
// empty ledger and nil error, a malformed one yields an empty ledger and a
// non-nil warning.
type Store interface {
	Load() (*ledger.Ledger, error)
	Save(*ledger.Ledger) error
	BackupAndReset(date string) error
}

// PresenceChange is one voice-state notification. Before and After are
// channel IDs; empty means "not in a voice channel".
type PresenceChange struct {
	Server      string
	Participant string
	Before      string
	After       string
	At          time.Time
}

// Kind classifies the change.
func (c PresenceChange) Kind() Kind {
	switch {
	case c.Before == "" && c.After != "":
		return KindJoin
	case c.Before != "" && c.After == "":
		return KindLeave
	case c.Before != "" && c.After != "" && c.Before != c.After:
		return KindMove
	default:
		return KindNone
	}
}

// Kind is the transition a [PresenceChange] describes.
type Kind int

const (
	// KindNone covers updates that do not change channel (mute, deafen,
	// stream toggles).
	KindNone Kind = iota
	KindJoin
	KindLeave
	KindMove
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindMove:
		return "move"
	default:
		return "none"
	}
}

// ///////////////////////////////////////////////
// Tracker
// ///////////////////////////////////////////////

// Tracker applies presence changes to the ledger.
type Tracker struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	store  Store
	sw     *Switch
	loc    *time.Location
}

// New loads the ledger from store and returns a tracker writing timestamps
// in loc. A load warning is logged and the tracker starts empty.
func New(store Store, sw *Switch, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	l, err := store.Load()
	if err != nil {
		slog.Warn("ledger load failed, starting empty", "error", err)
	}
	if l == nil {
		l = ledger.New()
	}
	slog.Info("ledger loaded", "records", l.Len(), "open", l.OpenCount())
	return &Tracker{ledger: l, store: store, sw: sw, loc: loc}
}

// Switch returns the enable/disable switch consulted on every event.
func (t *Tracker) Switch() *Switch { return t.sw }

// Location returns the zone timestamps are recorded in.
func (t *Tracker) Location() *time.Location { return t.loc }

// OnPresenceChange records a join, leave or move. It does nothing while the
// switch is off or when the change does not cross channels. A move closes
// the old channel and opens the new one at the same instant, with one save.
//
// The returned error is a save failure; the in-memory ledger keeps the
// change either way.
func (t *Tracker) OnPresenceChange(c PresenceChange) error {
	if !t.sw.Enabled() {
		return nil
	}
	kind := c.Kind()
	if kind == KindNone {
		return nil
	}
	at := c.At.In(t.loc)

	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	switch kind {
	case KindJoin:
		changed = t.ledger.Join(c.Server, c.After, c.Participant, at)
	case KindLeave:
		changed = t.ledger.Leave(c.Server, c.Before, c.Participant, at)
	case KindMove:
		left := t.ledger.Leave(c.Server, c.Before, c.Participant, at)
		joined := t.ledger.Join(c.Server, c.After, c.Participant, at)
		changed = left || joined
	}
	slog.Debug("presence change", "kind", kind, "server", c.Server, "participant", c.Participant,
		"before", c.Before, "after", c.After, "changed", changed)
	if !changed {
		return nil
	}
	if err := t.store.Save(t.ledger); err != nil {
		return fmt.Errorf("save after %s: %w", kind, err)
	}
	return nil
}

// ClearServer drops every record for server and saves. It reports whether
// there was anything to drop.
func (t *Tracker) ClearServer(server string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ledger.ClearServer(server) {
		return false, nil
	}
	slog.Info("server history cleared", "server", server)
	if err := t.store.Save(t.ledger); err != nil {
		return true, fmt.Errorf("save after clear: %w", err)
	}
	return true, nil
}

// Reload replaces the in-memory ledger with the stored one. A load warning
// is returned but the (empty) result is still adopted, matching startup.
// The lock is held across the load so no event lands between reading the
// store and adopting it.
func (t *Tracker) Reload() error {
	t.mu.Lock()
	l, err := t.store.Load()
	if l == nil {
		l = ledger.New()
	}
	t.ledger = l
	t.mu.Unlock()

	if err != nil {
		return fmt.Errorf("reload ledger: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the ledger.
func (t *Tracker) Snapshot() *ledger.Ledger {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledger.Clone()
}

// BackupAndReset archives the store under date and empties the ledger.
// Open sessions are dropped with the rest; participants still connected
// are recorded again on their next join. On failure the ledger is left as
// it was.
func (t *Tracker) BackupAndReset(date string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	open := t.ledger.OpenCount()
	if err := t.store.BackupAndReset(date); err != nil {
		return fmt.Errorf("backup %s: %w", date, err)
	}
	t.ledger = ledger.New()
	slog.Info("ledger archived and reset", "date", date, "dropped_open", open)
	return nil
}

// Stats is a point-in-time summary for status output.
type Stats struct {
	Enabled bool
	Servers int
	Records int
	Open    int
}

// Stats summarizes the ledger.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Enabled: t.sw.Enabled(),
		Servers: len(t.ledger.Servers()),
		Records: t.ledger.Len(),
		Open:    t.ledger.OpenCount(),
	}
}
