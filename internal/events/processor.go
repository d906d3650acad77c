package events

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drivesync/drivesync/internal/api"
	"github.com/drivesync/drivesync/internal/metadata"
)

// Processor applies recorded events to the metadata repository,
// advancing the ledger's applied cursor. It owns a dedicated background
// context kind so event application never shares staged objects with
// host-visible reads.
type Processor struct {
	repo     *metadata.Repository
	registry *metadata.ContextRegistry
	ledger   *Ledger
	log      zerolog.Logger
}

// NewProcessor creates a processor over the given repository and ledger.
func NewProcessor(repo *metadata.Repository, registry *metadata.ContextRegistry, ledger *Ledger) *Processor {
	return &Processor{
		repo:     repo,
		registry: registry,
		ledger:   ledger,
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Process drains the unapplied rows, mutating local metadata inside one
// transaction. It returns the identifiers of every affected node (and
// affected parent) so callers can fix up parent-derived state such as
// inherited offline availability.
func (p *Processor) Process() ([]metadata.NodeIdentifier, error) {
	tx := p.repo.Begin(p.registry, metadata.ContextEvents)

	var affected []metadata.NodeIdentifier
	var applied, disregarded []int64

	// Iterate over a snapshot of the unapplied rows; cursors only move
	// after the commit so an invalidated commit re-applies nothing
	// silently.
	for _, row := range p.ledger.UnappliedRows() {
		ev := row.Event
		nodeID := metadata.NodeIdentifier{ID: ev.Link.LinkID, ShareID: row.ShareID, VolumeID: ev.Link.VolumeID}
		_, nodeExists := tx.FetchNode(ev.Link.LinkID, ev.Link.VolumeID)
		_, parentExists := tx.FetchNode(ev.Link.ParentLinkID, ev.Link.VolumeID)
		if ev.Link.ParentLinkID == "" {
			parentExists = true // root creation
		}

		switch ev.EventType {
		case api.EventCreate:
			switch {
			case nodeExists:
				if n, _ := tx.FetchNode(ev.Link.LinkID, ev.Link.VolumeID); n.State == linkState(ev.Link.State) {
					p.log.Debug().Str("node", ev.Link.LinkID).Msg("Create event for node already in store with same state, disregarding")
					disregarded = append(disregarded, row.RowID)
					continue
				}
				affected = append(affected, p.applyLink(tx, ev.Link, row.ShareID)...)
			case parentExists:
				affected = append(affected, p.applyLink(tx, ev.Link, row.ShareID)...)
			default:
				p.log.Debug().Str("node", ev.Link.LinkID).Msg("Create event ignored, neither node nor parent known")
				disregarded = append(disregarded, row.RowID)
				continue
			}

		case api.EventUpdateMetadata:
			// A move needs either the node (move away) or the new
			// parent (move here) to be known locally.
			if !nodeExists && !parentExists {
				p.log.Debug().Str("node", ev.Link.LinkID).Msg("Metadata event ignored, neither node nor parent known")
				disregarded = append(disregarded, row.RowID)
				continue
			}
			affected = append(affected, p.applyLink(tx, ev.Link, row.ShareID)...)

		case api.EventUpdateContent:
			if !nodeExists {
				p.log.Debug().Str("node", ev.Link.LinkID).Msg("Content event ignored, node unknown")
				disregarded = append(disregarded, row.RowID)
				continue
			}
			affected = append(affected, p.applyContent(tx, ev.Link, row.ShareID)...)

		case api.EventDelete:
			if n, ok := tx.FetchNode(ev.Link.LinkID, ev.Link.VolumeID); ok {
				parent := n.ParentID
				tx.DeleteNode(n)
				affected = append(affected, nodeID)
				if parent != "" {
					affected = append(affected, metadata.NodeIdentifier{ID: parent, ShareID: row.ShareID, VolumeID: ev.Link.VolumeID})
				}
			}
		}
		applied = append(applied, row.RowID)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, id := range applied {
		p.ledger.MarkApplied(id)
	}
	for _, id := range disregarded {
		p.ledger.Disregard(id)
	}
	if n := len(applied) + len(disregarded); n > 0 {
		p.log.Info().Int("events", n).Int("nodes", len(affected)).Msg("Finished processing events")
	}
	return affected, nil
}

// applyLink upserts a node (and its share/volume scaffolding) from a
// remote link payload. Also used by the item pager when it stores a
// remotely fetched folder listing.
func (p *Processor) applyLink(tx *metadata.Tx, link api.Link, shareID string) []metadata.NodeIdentifier {
	return ApplyLink(tx, link, shareID)
}

func (p *Processor) applyContent(tx *metadata.Tx, link api.Link, shareID string) []metadata.NodeIdentifier {
	n, ok := tx.FetchNode(link.LinkID, link.VolumeID)
	if !ok {
		return nil
	}
	if link.FileProperties == nil || link.FileProperties.ActiveRevision == nil {
		return nil
	}
	incoming := link.FileProperties.ActiveRevision
	if n.ActiveRevisionID == incoming.ID {
		return nil
	}
	// The previous revision is superseded, never deleted.
	if old, ok := tx.FetchRevision(n.ActiveRevisionID, n.VolumeID); ok {
		old.State = metadata.RevisionSuperseded
		old.ThumbnailIDs = nil
	}
	rev := tx.FetchOrCreateRevision(incoming.ID, link.VolumeID, n.ID)
	rev.State = metadata.RevisionActive
	rev.ManifestSignature = incoming.ManifestSignature
	n.ActiveRevisionID = incoming.ID
	n.Size = link.Size
	n.ModifiedDate = time.Unix(link.ModifyTime, 0).UTC()
	return []metadata.NodeIdentifier{n.Identifier()}
}

// ApplyLink upserts one link payload into the graph and returns the
// affected node identifiers (node plus parent).
func ApplyLink(tx *metadata.Tx, link api.Link, shareID string) []metadata.NodeIdentifier {
	n, ok := tx.FetchNode(link.LinkID, link.VolumeID)
	if !ok {
		n = tx.FetchOrCreateNode(link.LinkID, link.VolumeID, link.ParentLinkID)
		n.ShareID = shareID
	}
	n.ParentID = link.ParentLinkID
	n.Name = link.Name
	n.MimeType = link.MIMEType
	n.Size = link.Size
	n.State = linkState(link.State)
	n.ModifiedDate = time.Unix(link.ModifyTime, 0).UTC()
	n.IsShared = link.IsShared
	n.IsFavorite = link.IsFavorite
	if link.Type == api.LinkTypeFolder {
		n.Type = metadata.TypeFolder
	} else {
		n.Type = metadata.TypeFile
	}
	if link.FileProperties != nil && link.FileProperties.ActiveRevision != nil {
		rev := tx.FetchOrCreateRevision(link.FileProperties.ActiveRevision.ID, link.VolumeID, n.ID)
		rev.State = metadata.RevisionActive
		rev.ManifestSignature = link.FileProperties.ActiveRevision.ManifestSignature
		n.ActiveRevisionID = rev.ID
	}

	// Derive inherited offline availability from the (possibly new)
	// parent; an explicit mark always wins over inheritance.
	if parent, ok := tx.FetchNode(link.ParentLinkID, link.VolumeID); ok {
		if !n.IsMarkedOfflineAvailable {
			n.IsInheritingOfflineAvailable = parent.IsAvailableOffline()
		}
	}

	ids := []metadata.NodeIdentifier{n.Identifier()}
	if link.ParentLinkID != "" {
		ids = append(ids, metadata.NodeIdentifier{ID: link.ParentLinkID, ShareID: shareID, VolumeID: link.VolumeID})
	}
	return ids
}

func linkState(s api.LinkState) metadata.NodeState {
	switch s {
	case api.LinkStateDraft:
		return metadata.StateUploading
	case api.LinkStateTrashed:
		return metadata.StateDeleted
	default:
		return metadata.StateActive
	}
}
