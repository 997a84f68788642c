package tailer

import (
	"strings"
	"time"

	"github.com/developingchet/vrc-instance-guard/internal/metrics"
)

// EventKind distinguishes session join and leave lines.
type EventKind int

const (
	EventJoin EventKind = iota
	EventLeave
)

func (k EventKind) String() string {
	if k == EventLeave {
		return "leave"
	}
	return "join"
}

// Event is one parsed presence change from the client log.
type Event struct {
	Kind        EventKind
	DisplayName string
	UserID      string
	At          time.Time
}

// The trailing space matters: "OnPlayerLeft " must not match lines carrying
// the distinct OnPlayerLeftRoom marker.
const (
	markerJoin  = "OnPlayerJoined "
	markerLeave = "OnPlayerLeft "
)

// parseLine extracts a presence event from a raw log line. The second return
// is false for lines that carry neither marker or are malformed.
//
// Expected shape:
//
//	2024.01.15 12:34:56 Log - [Behaviour] OnPlayerJoined Some Name (usr_xxx)
//
// Display names may contain "(" and ")", so the identifier is taken from the
// LAST " (" to the trailing ")".
func parseLine(line string, now time.Time) (Event, bool) {
	var kind EventKind
	var idx int
	if i := strings.Index(line, markerJoin); i >= 0 {
		kind, idx = EventJoin, i+len(markerJoin)
	} else if i := strings.Index(line, markerLeave); i >= 0 {
		kind, idx = EventLeave, i+len(markerLeave)
	} else {
		metrics.LinesIgnored.Inc()
		return Event{}, false
	}

	rest := strings.TrimRight(line[idx:], "\r")
	if !strings.HasSuffix(rest, ")") {
		metrics.LinesIgnored.Inc()
		return Event{}, false
	}
	open := strings.LastIndex(rest, " (")
	if open < 0 {
		metrics.LinesIgnored.Inc()
		return Event{}, false
	}

	name := strings.TrimSpace(rest[:open])
	id := rest[open+2 : len(rest)-1]
	if name == "" || id == "" {
		metrics.LinesIgnored.Inc()
		return Event{}, false
	}

	metrics.EventsParsed.WithLabelValues(kind.String()).Inc()
	return Event{Kind: kind, DisplayName: name, UserID: id, At: now}, true
}
