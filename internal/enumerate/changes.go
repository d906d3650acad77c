package enumerate

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drivesync/drivesync/internal/api"
	"github.com/drivesync/drivesync/internal/events"
	"github.com/drivesync/drivesync/internal/fsprovider"
	"github.com/drivesync/drivesync/internal/metadata"
	"github.com/drivesync/drivesync/internal/metrics"
)

// EventSource lets a change enumeration pull the newest remote events
// before building its change-set.
type EventSource interface {
	ForceCycle(ctx context.Context) error
}

// OfflineSync is the offline-availability surface a change enumeration
// touches: one pending page per queue is processed before the change-set
// is built and its nodes ride along as updates, and parent-derived state
// is fixed up after delivery.
type OfflineSync interface {
	ProcessKeepDownloadedItems(ctx context.Context) ([]metadata.NodeIdentifier, error)
	ProcessRemoveDownloadedItems(ctx context.Context) ([]metadata.NodeIdentifier, error)
	UpdateStateBasedOnParent(ids []metadata.NodeIdentifier)
}

// ChangeEnumerator answers the host's "what changed since this anchor"
// requests for one share. Delivery is at-least-once: the enumerated
// cursor only advances after the change-set has been handed over, so a
// crash mid-delivery replays the same rows on the next request.
type ChangeEnumerator struct {
	repo     *metadata.Repository
	registry *metadata.ContextRegistry
	ledger   *events.Ledger

	source  EventSource
	offline OfflineSync
	metrics *metrics.SyncMetrics

	shareID  string
	volumeID string
	log      zerolog.Logger
}

// NewChangeEnumerator creates a change enumerator for one share. source,
// offline and m may be nil.
func NewChangeEnumerator(repo *metadata.Repository, registry *metadata.ContextRegistry, ledger *events.Ledger, shareID, volumeID string, source EventSource, offline OfflineSync, m *metrics.SyncMetrics) *ChangeEnumerator {
	return &ChangeEnumerator{
		repo:     repo,
		registry: registry,
		ledger:   ledger,
		source:   source,
		offline:  offline,
		metrics:  m,
		shareID:  shareID,
		volumeID: volumeID,
		log:      log.With().Str("component", "enumerate").Str("share", shareID).Logger(),
	}
}

// CurrentSyncAnchor returns the anchor the host should store right now:
// the newest enumerated event, or the epoch's reference event if nothing
// has been enumerated yet.
func (e *ChangeEnumerator) CurrentSyncAnchor() fsprovider.SyncAnchor {
	eventID := e.ledger.ReferenceID()
	if ev := e.ledger.LastEnumeratedEvent(); ev != nil {
		eventID = ev.EventID
	}
	return events.Anchor{
		EventID:       eventID,
		ShareID:       e.shareID,
		ReferenceDate: e.ledger.ReferenceDate().UnixNano(),
	}.Encode()
}

// EnumerateChanges delivers the change-set after the given anchor to the
// observer. Deletions are always delivered before updates.
func (e *ChangeEnumerator) EnumerateChanges(ctx context.Context, observer fsprovider.ChangeObserver, raw fsprovider.SyncAnchor) {
	// An empty anchor is always valid: the host asks for everything from
	// the epoch start and gets a fresh anchor back. Only an anchor that
	// exists but does not decode forces re-enumeration.
	var anchor events.Anchor
	if !raw.Empty() {
		var err error
		anchor, err = events.DecodeAnchor(raw)
		if err != nil {
			e.expire(observer, "undecodable anchor")
			return
		}
	}

	// Process one pending page per offline queue so the marks' effects
	// ride along in this change-set; best-effort, the next request takes
	// the next page.
	var pending []metadata.NodeIdentifier
	if e.offline != nil {
		if ids, err := e.offline.ProcessKeepDownloadedItems(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Keep-downloaded page failed")
		} else {
			pending = append(pending, ids...)
		}
		if ids, err := e.offline.ProcessRemoveDownloadedItems(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Remove-downloaded page failed")
		} else {
			pending = append(pending, ids...)
		}
	}

	// Pull the newest events. A fetch failure is not fatal: whatever is
	// already applied locally can still be delivered.
	if e.source != nil {
		if err := e.source.ForceCycle(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Event refresh before change enumeration failed")
		}
	}

	refDate := e.ledger.ReferenceDate().UnixNano()
	if !raw.Empty() && (anchor.ReferenceDate != refDate || anchor.ShareID != e.shareID) {
		e.expire(observer, "anchor from previous tracking epoch")
		return
	}

	lastUn := e.ledger.LastUnenumeratedEvent()
	if lastUn == nil && len(pending) == 0 {
		// Fully caught up. Hand the host's own anchor back untouched so
		// it compares byte-equal; an empty request gets a fresh one.
		e.countResult("no_changes")
		observer.FinishEnumeratingChanges(e.unchangedAnchor(raw), false)
		return
	}
	next := e.unchangedAnchor(raw)
	if lastUn != nil {
		next = events.Anchor{EventID: lastUn.EventID, ShareID: e.shareID, ReferenceDate: refDate}.Encode()
		if next.Equal(raw) && len(pending) == 0 {
			e.countResult("no_changes")
			observer.FinishEnumeratingChanges(raw, false)
			return
		}
	}

	rows := e.ledger.History(anchor.EventID)
	deletions, updates, affected, rowIDs := e.categorize(rows, pending)

	if len(deletions) > 0 {
		observer.DidDeleteItems(deletions)
	}
	if len(updates) > 0 {
		observer.DidUpdate(updates)
	}

	// Only now, after hand-off, does the enumerated cursor move.
	e.ledger.SetEnumerated(rowIDs)
	moreComing := e.ledger.LastUnenumeratedEvent() != nil
	observer.FinishEnumeratingChanges(next, moreComing)

	if e.metrics != nil {
		e.metrics.ItemsDeleted.Add(float64(len(deletions)))
		e.metrics.ItemsUpdated.Add(float64(len(updates)))
	}
	e.countResult("delivered")
	e.log.Info().
		Int("deletions", len(deletions)).
		Int("updates", len(updates)).
		Bool("more_coming", moreComing).
		Msg("Delivered change-set")

	if e.offline != nil && len(affected) > 0 {
		e.offline.UpdateStateBasedOnParent(affected)
	}
}

// categorize splits applied rows into deletions and updates against the
// current metadata state. A node that no longer resolves is skipped (a
// later row in the same batch deletes it); a node applied as deleted was
// trashed remotely and is delivered as a deletion even when the event
// itself was an update: the item disappears from the host's view.
// Pending offline-queue nodes ride along as extra updates.
func (e *ChangeEnumerator) categorize(rows []events.Row, pending []metadata.NodeIdentifier) (deletions []fsprovider.ItemIdentifier, updates []fsprovider.Item, affected []metadata.NodeIdentifier, rowIDs []int64) {
	tx := e.repo.Begin(e.registry, metadata.ContextHost)
	defer tx.Rollback()

	rootID := ""
	if sh, ok := tx.FetchShare(e.shareID); ok {
		rootID = sh.RootNodeID
	}

	deleted := make(map[fsprovider.ItemIdentifier]struct{})
	updated := make(map[fsprovider.ItemIdentifier]int) // identifier -> index in updates

	for _, row := range rows {
		rowIDs = append(rowIDs, row.RowID)
		link := row.Event.Link
		id := fsprovider.MakeItemIdentifier(link.LinkID, row.ShareID)

		if row.Event.EventType == api.EventDelete {
			if _, ok := deleted[id]; !ok {
				deleted[id] = struct{}{}
				deletions = append(deletions, id)
			}
			continue
		}

		n, ok := tx.FetchNode(link.LinkID, link.VolumeID)
		if !ok {
			continue
		}
		if n.State == metadata.StateDeleted {
			if _, ok := deleted[id]; !ok {
				deleted[id] = struct{}{}
				deletions = append(deletions, id)
				e.log.Debug().Str("node", n.ID).Msg("Remotely trashed, reported as deletion")
			}
			continue
		}
		item := itemFromNode(n, rootID)
		if i, ok := updated[id]; ok {
			updates[i] = item // newest state wins
			continue
		}
		updated[id] = len(updates)
		updates = append(updates, item)
		affected = append(affected, n.Identifier())
	}

	for _, nid := range pending {
		n, ok := tx.FetchNodeByIdentifier(nid)
		if !ok || n.State == metadata.StateDeleted {
			continue
		}
		id := fsprovider.MakeItemIdentifier(n.ID, n.ShareID)
		if _, ok := deleted[id]; ok {
			continue
		}
		if _, ok := updated[id]; ok {
			continue
		}
		updated[id] = len(updates)
		updates = append(updates, itemFromNode(n, rootID))
	}
	return deletions, updates, affected, rowIDs
}

// unchangedAnchor is what a pass that enumerated no event rows hands
// back: the host's own anchor byte-identical, or a fresh one when the
// host supplied none.
func (e *ChangeEnumerator) unchangedAnchor(raw fsprovider.SyncAnchor) fsprovider.SyncAnchor {
	if raw.Empty() {
		return e.CurrentSyncAnchor()
	}
	return raw
}

func (e *ChangeEnumerator) expire(observer fsprovider.ChangeObserver, reason string) {
	e.log.Info().Str("reason", reason).Msg("Sync anchor expired, forcing full re-enumeration")
	if e.metrics != nil {
		e.metrics.ExpiredAnchors.Inc()
	}
	e.countResult("expired")
	observer.FinishEnumeratingWithError(fsprovider.ErrSyncAnchorExpired)
}

func (e *ChangeEnumerator) countResult(result string) {
	if e.metrics != nil {
		e.metrics.ChangeEnumerations.WithLabelValues(result).Inc()
	}
}
