// Package events maintains the remote event ledger: the ordered log of
// change records fetched from the remote API, the two cursors over it
// (applied to metadata vs enumerated to the host), and the sync anchor
// derived from them.
package events

import (
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drivesync/drivesync/internal/api"
	"github.com/drivesync/drivesync/internal/metadata"
)

// Row is one recorded event. Applied means its effect is reflected in
// the metadata repository; Enumerated means the host has been handed
// the corresponding change-set. Applied may run arbitrarily ahead of
// Enumerated: metadata application and host hand-off are different
// atomicity domains.
type Row struct {
	RowID   int64     `json:"rowID"`
	Event   api.Event `json:"event"`
	ShareID string    `json:"shareID"`

	Applied     bool `json:"applied"`
	Enumerated  bool `json:"enumerated"`
	Disregarded bool `json:"disregarded"`
}

// Ledger is the event log for one volume. Rows keep strict arrival
// order; the ledger never reorders them.
type Ledger struct {
	mu sync.Mutex

	rows    []*Row
	nextRow int64

	referenceID   string
	referenceDate time.Time
	fetchCursor   string
	latestFetch   time.Time

	log zerolog.Logger
}

// NewLedger returns an empty ledger. Tracking starts with Reset once
// the initial remote event id is known.
func NewLedger() *Ledger {
	return &Ledger{log: log.With().Str("component", "events").Logger()}
}

// Reset starts a new tracking epoch from the given remote event id.
// Called on login and after a cache clear; the fresh reference date
// invalidates every anchor issued before it.
func (l *Ledger) Reset(referenceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = nil
	l.referenceID = referenceID
	l.referenceDate = time.Now().UTC()
	l.fetchCursor = referenceID
	l.log.Info().Str("reference_id", referenceID).Msg("Event tracking reset")
}

// ReferenceID returns the event id tracking started from, empty before
// the first Reset.
func (l *Ledger) ReferenceID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.referenceID
}

// ReferenceDate returns the moment tracking (re)started. Zero before
// the first Reset.
func (l *Ledger) ReferenceDate() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.referenceDate
}

// FetchCursor returns the remote cursor for the next event page.
func (l *Ledger) FetchCursor() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetchCursor
}

// LatestFetchTime returns the time of the last successful event fetch.
func (l *Ledger) LatestFetchTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latestFetch
}

// Record appends a fetched page in arrival order and advances the
// remote fetch cursor.
func (l *Ledger) Record(events []api.Event, nextCursor string, defaultShareID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		l.nextRow++
		shareID := ev.FromContextShareID
		if shareID == "" {
			shareID = defaultShareID
		}
		l.rows = append(l.rows, &Row{RowID: l.nextRow, Event: ev, ShareID: shareID})
	}
	if nextCursor != "" {
		l.fetchCursor = nextCursor
	}
	l.latestFetch = time.Now().UTC()
}

// NextUnapplied returns the oldest row not yet applied to metadata.
func (l *Ledger) NextUnapplied() (*Row, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if !r.Applied {
			copy := *r
			return &copy, true
		}
	}
	return nil, false
}

// UnappliedRows returns copies of every row not yet applied to
// metadata, in arrival order. The snapshot is stable: rows recorded
// after the call are not included, so a batch apply pass terminates.
func (l *Ledger) UnappliedRows() []Row {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Row
	for _, r := range l.rows {
		if !r.Applied {
			out = append(out, *r)
		}
	}
	return out
}

// MarkApplied advances the applied cursor over one row.
func (l *Ledger) MarkApplied(rowID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.find(rowID); r != nil {
		r.Applied = true
	}
}

// Disregard marks a row applied without queueing it for enumeration
// (the event had no observable effect on local metadata).
func (l *Ledger) Disregard(rowID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.find(rowID); r != nil {
		r.Applied = true
		r.Disregarded = true
	}
}

func (l *Ledger) find(rowID int64) *Row {
	for _, r := range l.rows {
		if r.RowID == rowID {
			return r
		}
	}
	return nil
}

// LastEnumeratedEvent returns the newest event that has been both
// applied and enumerated, or nil.
func (l *Ledger) LastEnumeratedEvent() *api.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.rows) - 1; i >= 0; i-- {
		r := l.rows[i]
		if r.Enumerated {
			ev := r.Event
			return &ev
		}
	}
	return nil
}

// LastUnenumeratedEvent returns the newest event that has been applied
// to metadata but not yet enumerated to the host, or nil if the host is
// fully caught up. Its existence is the precondition for issuing a new
// prospective anchor.
func (l *Ledger) LastUnenumeratedEvent() *api.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.rows) - 1; i >= 0; i-- {
		r := l.rows[i]
		if r.Applied && !r.Enumerated && !r.Disregarded {
			ev := r.Event
			return &ev
		}
	}
	return nil
}

// LastReceivedEvent returns the newest recorded event, applied or not.
func (l *Ledger) LastReceivedEvent() *api.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.rows) == 0 {
		return nil
	}
	ev := l.rows[len(l.rows)-1].Event
	return &ev
}

// History returns the applied, non-disregarded rows after sinceEventID
// (exclusive) in arrival order. An empty sinceEventID means from the
// start of the epoch.
func (l *Ledger) History(sinceEventID string) []Row {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if sinceEventID != "" {
		for i, r := range l.rows {
			if r.Event.EventID == sinceEventID {
				start = i + 1
				break
			}
		}
	}

	var out []Row
	for _, r := range l.rows[start:] {
		if r.Applied && !r.Disregarded {
			out = append(out, *r)
		}
	}
	return out
}

// SetEnumerated advances the enumerated cursor over the given rows.
// Called only after the corresponding change-set has been handed off to
// the host, which is what makes delivery at-least-once: a crash before
// this call redelivers the same rows on the next pass. Fully handled
// rows older than the watermark are compacted away.
func (l *Ledger) SetEnumerated(rowIDs []int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make(map[int64]struct{}, len(rowIDs))
	for _, id := range rowIDs {
		ids[id] = struct{}{}
	}
	for _, r := range l.rows {
		if _, ok := ids[r.RowID]; ok {
			r.Enumerated = true
		}
	}
	l.compact()
}

// compact drops consumed rows, keeping the newest enumerated row as the
// cursor watermark. Caller holds l.mu.
func (l *Ledger) compact() {
	lastEnumerated := -1
	for i, r := range l.rows {
		if r.Enumerated {
			lastEnumerated = i
		}
	}
	if lastEnumerated <= 0 {
		return
	}
	kept := l.rows[:0]
	for i, r := range l.rows {
		fullyHandled := r.Enumerated || (r.Applied && r.Disregarded)
		if i >= lastEnumerated || !fullyHandled {
			kept = append(kept, r)
		}
	}
	l.rows = kept
}

// ledgerSnapshot is the persisted form of the ledger.
type ledgerSnapshot struct {
	Rows          []*Row    `json:"rows"`
	NextRow       int64     `json:"nextRow"`
	ReferenceID   string    `json:"referenceID"`
	ReferenceDate time.Time `json:"referenceDate"`
	FetchCursor   string    `json:"fetchCursor"`
}

// Save persists the ledger next to the metadata store.
func (l *Ledger) Save(fs billy.Filesystem, path string) error {
	l.mu.Lock()
	snap := ledgerSnapshot{
		Rows:          l.rows,
		NextRow:       l.nextRow,
		ReferenceID:   l.referenceID,
		ReferenceDate: l.referenceDate,
		FetchCursor:   l.fetchCursor,
	}
	l.mu.Unlock()
	return metadata.WriteSnapshotFile(fs, path, &snap)
}

// Load restores a persisted ledger. A missing file leaves the ledger
// empty: tracking restarts with a fresh epoch.
func (l *Ledger) Load(fs billy.Filesystem, path string) error {
	var snap ledgerSnapshot
	err := metadata.ReadSnapshotFile(fs, path, &snap)
	if err != nil {
		if _, statErr := fs.Stat(path); statErr != nil {
			return nil // first run
		}
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = snap.Rows
	l.nextRow = snap.NextRow
	l.referenceID = snap.ReferenceID
	l.referenceDate = snap.ReferenceDate
	l.fetchCursor = snap.FetchCursor
	return nil
}
