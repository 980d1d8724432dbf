// Package ledger holds the voice-presence history: for every server, channel
// and participant, the current [Record] of their connection.
//
// A [Ledger] is a plain value with no locking. The tracker owns the only
// live instance and serializes access to it; everything else works on
// copies from [Ledger.Clone].
package ledger

import (
	"log/slog"
	"sort"
	"time"
)

// ///////////////////////////////////////////////
// Record
// ///////////////////////////////////////////////

// Record is one participant's connection history in one channel.
//
// The record carries a running total: each close folds the elapsed interval
// into Accumulated, and a later rejoin starts a new open interval that keeps
// the total.
type Record struct {
	// JoinedAt is when the current (or most recent) interval started.
	JoinedAt time.Time
	// LeftAt is when the most recent interval ended. The zero value means
	// the participant is still connected.
	LeftAt time.Time
	// Accumulated is the connected time of all closed intervals. It is
	// never negative and only grows when an open record closes.
	Accumulated time.Duration
}

// Open reports whether the participant is still connected.
func (r Record) Open() bool { return r.LeftAt.IsZero() }

// ///////////////////////////////////////////////
// Ledger
// ///////////////////////////////////////////////

// channelRecords maps participant ID to record.
type channelRecords map[string]Record

// serverChannels maps channel ID to its participants.
type serverChannels map[string]channelRecords

// Ledger is the full presence history keyed by server, channel and
// participant. The zero value is not usable; call [New].
type Ledger struct {
	servers map[string]serverChannels
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{servers: make(map[string]serverChannels)}
}

// Get returns the record for a participant in a channel.
func (l *Ledger) Get(server, channel, participant string) (Record, bool) {
	r, ok := l.servers[server][channel][participant]
	return r, ok
}

// Put stores rec, creating the server and channel partitions on demand.
func (l *Ledger) Put(server, channel, participant string, rec Record) {
	channels, ok := l.servers[server]
	if !ok {
		channels = make(serverChannels)
		l.servers[server] = channels
	}
	records, ok := channels[channel]
	if !ok {
		records = make(channelRecords)
		channels[channel] = records
	}
	records[participant] = rec
}

// ClearServer drops every record for server. It reports whether anything
// was removed.
func (l *Ledger) ClearServer(server string) bool {
	if _, ok := l.servers[server]; !ok {
		return false
	}
	delete(l.servers, server)
	return true
}

// HasServer reports whether server has at least one channel partition.
func (l *Ledger) HasServer(server string) bool {
	return len(l.servers[server]) > 0
}

// HasChannel reports whether channel has at least one record in server.
func (l *Ledger) HasChannel(server, channel string) bool {
	return len(l.servers[server][channel]) > 0
}

// Servers returns the server IDs in sorted order.
func (l *Ledger) Servers() []string {
	out := make([]string, 0, len(l.servers))
	for s := range l.servers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Channels returns the channel IDs of server in sorted order.
func (l *Ledger) Channels(server string) []string {
	channels := l.servers[server]
	out := make([]string, 0, len(channels))
	for c := range channels {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Each calls fn for every record in one channel of server, in participant
// order.
func (l *Ledger) Each(server, channel string, fn func(participant string, rec Record)) {
	records := l.servers[server][channel]
	ids := make([]string, 0, len(records))
	for p := range records {
		ids = append(ids, p)
	}
	sort.Strings(ids)
	for _, p := range ids {
		fn(p, records[p])
	}
}

// Len returns the total number of records.
func (l *Ledger) Len() int {
	n := 0
	for _, channels := range l.servers {
		for _, records := range channels {
			n += len(records)
		}
	}
	return n
}

// OpenCount returns the number of records still connected.
func (l *Ledger) OpenCount() int {
	n := 0
	for _, channels := range l.servers {
		for _, records := range channels {
			for _, r := range records {
				if r.Open() {
					n++
				}
			}
		}
	}
	return n
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	out := New()
	for s, channels := range l.servers {
		cc := make(serverChannels, len(channels))
		for c, records := range channels {
			rr := make(channelRecords, len(records))
			for p, r := range records {
				rr[p] = r
			}
			cc[c] = rr
		}
		out.servers[s] = cc
	}
	return out
}

// Equal reports whether both ledgers hold the same records. Timestamps are
// compared as instants, ignoring location.
func (l *Ledger) Equal(o *Ledger) bool {
	if l.Len() != o.Len() {
		return false
	}
	for s, channels := range l.servers {
		for c, records := range channels {
			for p, r := range records {
				other, ok := o.Get(s, c, p)
				if !ok || !r.JoinedAt.Equal(other.JoinedAt) || !r.LeftAt.Equal(other.LeftAt) || r.Accumulated != other.Accumulated {
					return false
				}
			}
		}
	}
	return true
}

// ///////////////////////////////////////////////
// Transitions
// ///////////////////////////////////////////////

// Join opens a connection interval at at. It reports whether the ledger
// changed:
//   - no record: a new open record with nothing accumulated
//   - closed record: a new open interval carrying the accumulated total
//   - open record: unchanged (a repeated join is ignored)
func (l *Ledger) Join(server, channel, participant string, at time.Time) bool {
	prev, ok := l.Get(server, channel, participant)
	if ok && prev.Open() {
		slog.Debug("join ignored, already connected", "server", server, "channel", channel, "participant", participant)
		return false
	}
	l.Put(server, channel, participant, Record{JoinedAt: at, Accumulated: prev.Accumulated})
	return true
}

// Leave closes the open interval at at and folds it into the accumulated
// total. A leave with no open record is ignored and creates nothing. If at
// is before the join, the interval counts as zero.
func (l *Ledger) Leave(server, channel, participant string, at time.Time) bool {
	rec, ok := l.Get(server, channel, participant)
	if !ok || !rec.Open() {
		slog.Debug("leave ignored, not connected", "server", server, "channel", channel, "participant", participant)
		return false
	}
	rec.Accumulated += elapsed(rec.JoinedAt, at)
	rec.LeftAt = at
	l.Put(server, channel, participant, rec)
	return true
}
