package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tools.zach/dev/voicecord/internal/migrate"
)

func init() {
	migrate.Ledger.Register(migrate.Step{
		Version:     2,
		Description: "import unversioned voice history",
		Upgrade:     upgradeLegacy,
	})
}

// legacyVisit is one entry written by the older bots. user_id is a bare
// number there; duration is absent in the append-only layout.
type legacyVisit struct {
	UserID    json.RawMessage `json:"user_id"`
	JoinTime  string          `json:"join_time"`
	LeaveTime *string         `json:"leave_time"`
	Duration  float64         `json:"duration"`
}

// naiveLayout parses timestamps written without a UTC offset.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// upgradeLegacy rewrites an unversioned map of server -> channel -> records
// into the versioned layout. A channel holds either an object keyed by
// participant (one running record each) or an array of raw visits. Visits
// are folded per participant: closed visits are summed and the most recent
// visit becomes the current record.
func upgradeLegacy(data []byte) ([]byte, error) {
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse unversioned history: %w", err)
	}

	l := New()
	for server, channels := range raw {
		for channel, body := range channels {
			body = bytes.TrimSpace(body)
			switch {
			case len(body) > 0 && body[0] == '[':
				var visits []legacyVisit
				if err := json.Unmarshal(body, &visits); err != nil {
					return nil, fmt.Errorf("channel %s/%s: %w", server, channel, err)
				}
				foldVisits(l, server, channel, visits)
			case len(body) > 0 && body[0] == '{':
				var records map[string]legacyVisit
				if err := json.Unmarshal(body, &records); err != nil {
					return nil, fmt.Errorf("channel %s/%s: %w", server, channel, err)
				}
				for participant, v := range records {
					rec, ok := v.record()
					if !ok {
						continue
					}
					rec.Accumulated = seconds(v.Duration)
					l.Put(server, channel, participant, rec)
				}
			default:
				return nil, fmt.Errorf("channel %s/%s: unexpected value %.20q", server, channel, body)
			}
		}
	}
	return Encode(l)
}

func foldVisits(l *Ledger, server, channel string, visits []legacyVisit) {
	byParticipant := make(map[string][]Record)
	for _, v := range visits {
		rec, ok := v.record()
		if !ok {
			continue
		}
		id := participantID(v.UserID)
		if id == "" {
			slog.Warn("legacy visit without user_id skipped", "server", server, "channel", channel)
			continue
		}
		byParticipant[id] = append(byParticipant[id], rec)
	}

	for participant, recs := range byParticipant {
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].JoinedAt.Before(recs[j].JoinedAt) })
		var total time.Duration
		for _, r := range recs {
			if !r.Open() {
				total += elapsed(r.JoinedAt, r.LeftAt)
			}
		}
		current := recs[len(recs)-1]
		current.Accumulated = total
		l.Put(server, channel, participant, current)
	}
}

// record converts the visit timestamps. Unparseable visits are dropped with
// a warning.
func (v legacyVisit) record() (Record, bool) {
	joined, err := parseLegacyTime(v.JoinTime)
	if err != nil {
		slog.Warn("legacy visit with bad join_time skipped", "join_time", v.JoinTime, "error", err)
		return Record{}, false
	}
	rec := Record{JoinedAt: joined}
	if v.LeaveTime != nil {
		left, err := parseLegacyTime(*v.LeaveTime)
		if err != nil {
			slog.Warn("legacy visit with bad leave_time skipped", "leave_time", *v.LeaveTime, "error", err)
			return Record{}, false
		}
		rec.LeftAt = left
	}
	return rec, true
}

func parseLegacyTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(naiveLayout, s, time.UTC)
}

// participantID accepts user_id as either a JSON number or string.
func participantID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
