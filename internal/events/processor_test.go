package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivesync/drivesync/internal/api"
	"github.com/drivesync/drivesync/internal/metadata"
)

type procFixture struct {
	repo      *metadata.Repository
	registry  *metadata.ContextRegistry
	ledger    *Ledger
	processor *Processor
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()
	f := &procFixture{
		repo:     metadata.NewRepository(),
		registry: metadata.NewContextRegistry(),
		ledger:   NewLedger(),
	}
	f.ledger.Reset("evt-0")
	f.processor = NewProcessor(f.repo, f.registry, f.ledger)

	// Seed the share root so create events have a known parent.
	tx := f.repo.Begin(f.registry, metadata.ContextBackground)
	root := tx.FetchOrCreateNode("root", "vol-1", "")
	root.ShareID = "share-1"
	root.Type = metadata.TypeFolder
	require.NoError(t, tx.Commit())
	return f
}

func (f *procFixture) record(t *testing.T, events ...api.Event) {
	t.Helper()
	f.ledger.Record(events, "", "share-1")
}

func (f *procFixture) node(t *testing.T, id string) (*metadata.Node, bool) {
	t.Helper()
	tx := f.repo.Begin(f.registry, metadata.ContextHost)
	defer tx.Rollback()
	return tx.FetchNode(id, "vol-1")
}

func createEvent(eventID, linkID, parentID string) api.Event {
	return api.Event{
		EventID:   eventID,
		EventType: api.EventCreate,
		Link: api.Link{
			LinkID:       linkID,
			ParentLinkID: parentID,
			VolumeID:     "vol-1",
			Type:         api.LinkTypeFile,
			Name:         "file-" + linkID,
			State:        api.LinkStateActive,
			ModifyTime:   1700000000,
		},
	}
}

func TestProcessCreate(t *testing.T) {
	f := newProcFixture(t)
	f.record(t, createEvent("evt-1", "file-1", "root"))

	affected, err := f.processor.Process()
	require.NoError(t, err)

	n, ok := f.node(t, "file-1")
	require.True(t, ok)
	assert.Equal(t, "share-1", n.ShareID)
	assert.Equal(t, metadata.StateActive, n.State)
	assert.Equal(t, metadata.TypeFile, n.Type)

	// Node and parent are both reported.
	require.Len(t, affected, 2)
	assert.Equal(t, "file-1", affected[0].ID)
	assert.Equal(t, "root", affected[1].ID)

	_, ok = f.ledger.NextUnapplied()
	assert.False(t, ok)
	assert.Len(t, f.ledger.History(""), 1)
}

func TestProcessCreateUnknownParent(t *testing.T) {
	f := newProcFixture(t)
	f.record(t, createEvent("evt-1", "file-1", "elsewhere"))

	affected, err := f.processor.Process()
	require.NoError(t, err)
	assert.Empty(t, affected)

	_, ok := f.node(t, "file-1")
	assert.False(t, ok, "event outside the known subtree is disregarded")
	assert.Empty(t, f.ledger.History(""), "disregarded rows never reach the host")
}

func TestProcessCreateAlreadyKnownSameState(t *testing.T) {
	f := newProcFixture(t)
	f.record(t, createEvent("evt-1", "file-1", "root"))
	_, err := f.processor.Process()
	require.NoError(t, err)

	// The same create again, unchanged: nothing to tell the host.
	f.record(t, createEvent("evt-2", "file-1", "root"))
	affected, err := f.processor.Process()
	require.NoError(t, err)
	assert.Empty(t, affected)
	assert.Len(t, f.ledger.History(""), 1)
}

func TestProcessCreateTrashedTransition(t *testing.T) {
	f := newProcFixture(t)
	f.record(t, createEvent("evt-1", "file-1", "root"))
	_, err := f.processor.Process()
	require.NoError(t, err)

	trashed := createEvent("evt-2", "file-1", "root")
	trashed.Link.State = api.LinkStateTrashed
	f.record(t, trashed)
	affected, err := f.processor.Process()
	require.NoError(t, err)
	assert.NotEmpty(t, affected, "state change is host-visible")

	n, ok := f.node(t, "file-1")
	require.True(t, ok)
	assert.Equal(t, metadata.StateDeleted, n.State, "remote trash keeps the row, flagged deleted")
}

func TestProcessUpdateMetadataUnknown(t *testing.T) {
	f := newProcFixture(t)
	evt := createEvent("evt-1", "ghost", "elsewhere")
	evt.EventType = api.EventUpdateMetadata
	f.record(t, evt)

	affected, err := f.processor.Process()
	require.NoError(t, err)
	assert.Empty(t, affected)
	assert.Empty(t, f.ledger.History(""))
}

func TestProcessUpdateContentSupersedesRevision(t *testing.T) {
	f := newProcFixture(t)

	create := createEvent("evt-1", "file-1", "root")
	create.Link.FileProperties = &api.FileProperties{
		ActiveRevision: &api.RevisionPayload{ID: "rev-1", ManifestSignature: "sig-1"},
	}
	f.record(t, create)
	_, err := f.processor.Process()
	require.NoError(t, err)

	update := createEvent("evt-2", "file-1", "root")
	update.EventType = api.EventUpdateContent
	update.Link.Size = 2048
	update.Link.FileProperties = &api.FileProperties{
		ActiveRevision: &api.RevisionPayload{ID: "rev-2", ManifestSignature: "sig-2"},
	}
	f.record(t, update)
	affected, err := f.processor.Process()
	require.NoError(t, err)
	require.Len(t, affected, 1)

	tx := f.repo.Begin(f.registry, metadata.ContextHost)
	defer tx.Rollback()

	n, ok := tx.FetchNode("file-1", "vol-1")
	require.True(t, ok)
	assert.Equal(t, "rev-2", n.ActiveRevisionID)
	assert.Equal(t, int64(2048), n.Size)

	old, ok := tx.FetchRevision("rev-1", "vol-1")
	require.True(t, ok, "superseded revision is kept")
	assert.Equal(t, metadata.RevisionSuperseded, old.State)
	assert.Nil(t, old.ThumbnailIDs)

	current, ok := tx.FetchRevision("rev-2", "vol-1")
	require.True(t, ok)
	assert.Equal(t, metadata.RevisionActive, current.State)
	assert.Equal(t, "sig-2", current.ManifestSignature)
}

func TestProcessUpdateContentSameRevision(t *testing.T) {
	f := newProcFixture(t)
	create := createEvent("evt-1", "file-1", "root")
	create.Link.FileProperties = &api.FileProperties{
		ActiveRevision: &api.RevisionPayload{ID: "rev-1"},
	}
	f.record(t, create)
	_, err := f.processor.Process()
	require.NoError(t, err)

	repeat := createEvent("evt-2", "file-1", "root")
	repeat.EventType = api.EventUpdateContent
	repeat.Link.FileProperties = &api.FileProperties{
		ActiveRevision: &api.RevisionPayload{ID: "rev-1"},
	}
	f.record(t, repeat)
	affected, err := f.processor.Process()
	require.NoError(t, err)
	assert.Empty(t, affected, "unchanged revision produces no host-visible change")
}

func TestProcessDelete(t *testing.T) {
	f := newProcFixture(t)
	f.record(t, createEvent("evt-1", "file-1", "root"))
	_, err := f.processor.Process()
	require.NoError(t, err)

	del := createEvent("evt-2", "file-1", "root")
	del.EventType = api.EventDelete
	f.record(t, del)
	affected, err := f.processor.Process()
	require.NoError(t, err)

	_, ok := f.node(t, "file-1")
	assert.False(t, ok)
	require.Len(t, affected, 2)
	assert.Equal(t, "file-1", affected[0].ID)
	assert.Equal(t, "root", affected[1].ID, "parent reported for re-derivation")
}

func TestProcessDeleteUnknownNode(t *testing.T) {
	f := newProcFixture(t)
	del := createEvent("evt-1", "ghost", "root")
	del.EventType = api.EventDelete
	f.record(t, del)

	affected, err := f.processor.Process()
	require.NoError(t, err)
	assert.Empty(t, affected)
	// Delete of an unknown node is still consumed.
	_, ok := f.ledger.NextUnapplied()
	assert.False(t, ok)
}

func TestProcessInheritsOfflineFromParent(t *testing.T) {
	f := newProcFixture(t)

	tx := f.repo.Begin(f.registry, metadata.ContextBackground)
	root, ok := tx.FetchNode("root", "vol-1")
	require.True(t, ok)
	root.IsMarkedOfflineAvailable = true
	require.NoError(t, tx.Commit())

	f.record(t, createEvent("evt-1", "file-1", "root"))
	_, err := f.processor.Process()
	require.NoError(t, err)

	n, ok := f.node(t, "file-1")
	require.True(t, ok)
	assert.True(t, n.IsInheritingOfflineAvailable)
	assert.False(t, n.IsMarkedOfflineAvailable)
}

func TestProcessMixedBatchAdvancesAllRows(t *testing.T) {
	f := newProcFixture(t)
	f.record(t, createEvent("evt-1", "file-1", "root"))
	_, err := f.processor.Process()
	require.NoError(t, err)

	// One batch mixing a same-state duplicate (disregarded), a fresh
	// create, and an orphan: a single pass must consume every row.
	f.record(t,
		createEvent("evt-2", "file-1", "root"),
		createEvent("evt-3", "file-2", "root"),
		createEvent("evt-4", "file-3", "elsewhere"),
	)

	affected, err := f.processor.Process()
	require.NoError(t, err)

	assert.Empty(t, f.ledger.UnappliedRows(), "every row of the batch is consumed")
	_, ok := f.ledger.NextUnapplied()
	assert.False(t, ok)

	_, ok = f.node(t, "file-2")
	assert.True(t, ok)

	// Only the effective create reaches history; the duplicate and the
	// orphan are disregarded.
	history := f.ledger.History("evt-1")
	require.Len(t, history, 1)
	assert.Equal(t, "evt-3", history[0].Event.EventID)
	require.Len(t, affected, 2)
	assert.Equal(t, "file-2", affected[0].ID)
}
