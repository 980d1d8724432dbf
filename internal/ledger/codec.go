package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"tools.zach/dev/voicecord/internal/migrate"
)

// ///////////////////////////////////////////////
// Wire types
// ///////////////////////////////////////////////

// recordJSON is the stored form of a [Record]. leave_time is null while the
// participant is connected; duration is in seconds.
type recordJSON struct {
	JoinTime  time.Time  `json:"join_time"`
	LeaveTime *time.Time `json:"leave_time"`
	Duration  float64    `json:"duration"`
}

// documentJSON is the top-level stored ledger.
type documentJSON struct {
	Version int                                         `json:"$version"`
	Servers map[string]map[string]map[string]recordJSON `json:"servers"`
}

// ErrEmptyDocument is returned by [Decode] for input with no content.
var ErrEmptyDocument = errors.New("empty ledger document")

// ///////////////////////////////////////////////
// Encode / Decode
// ///////////////////////////////////////////////

// Encode renders l as an indented, versioned JSON document.
func Encode(l *Ledger) ([]byte, error) {
	doc := documentJSON{
		Version: migrate.Ledger.CurrentVersion,
		Servers: make(map[string]map[string]map[string]recordJSON, len(l.servers)),
	}
	for s, channels := range l.servers {
		cc := make(map[string]map[string]recordJSON, len(channels))
		for c, records := range channels {
			rr := make(map[string]recordJSON, len(records))
			for p, r := range records {
				rr[p] = toJSON(r)
			}
			cc[c] = rr
		}
		doc.Servers[s] = cc
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode ledger: %w", err)
	}
	return append(data, '\n'), nil
}

// EmptyDocument returns the encoded form of an empty ledger.
func EmptyDocument() []byte {
	data, _ := Encode(New())
	return data
}

// Decode parses a stored ledger, upgrading older layouts first.
func Decode(data []byte) (*Ledger, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDocument
	}
	version, err := migrate.PeekJSONVersion(data)
	if err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	data, _, err = migrate.Ledger.Upgrade(data, version)
	if err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}

	var doc documentJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	l := New()
	for s, channels := range doc.Servers {
		for c, records := range channels {
			for p, r := range records {
				l.Put(s, c, p, fromJSON(r))
			}
		}
	}
	return l, nil
}

func toJSON(r Record) recordJSON {
	out := recordJSON{JoinTime: r.JoinedAt, Duration: r.Accumulated.Seconds()}
	if !r.Open() {
		left := r.LeftAt
		out.LeaveTime = &left
	}
	return out
}

func fromJSON(r recordJSON) Record {
	rec := Record{JoinedAt: r.JoinTime, Accumulated: seconds(r.Duration)}
	if r.LeaveTime != nil {
		rec.LeftAt = *r.LeaveTime
	}
	return rec
}

// seconds converts stored float seconds to a duration, rounding to the
// nanosecond. Negative and non-finite values become zero.
func seconds(f float64) time.Duration {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return time.Duration(math.Round(f * float64(time.Second)))
}
