package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// strictDup installs a duplicate reporter that fails the test.
func strictDup(t *testing.T, r *Repository) {
	t.Helper()
	r.SetDuplicateReporter(func(entity, id string, count int) {
		t.Errorf("duplicate %s %q (count %d)", entity, id, count)
	})
}

func TestCommitPublishes(t *testing.T) {
	r := NewRepository()
	strictDup(t, r)

	tx := r.Begin(nil, ContextBackground)
	n := tx.FetchOrCreateNode("node-1", "vol-1", "")
	n.Name = "root"
	n.Type = TypeFolder
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()
	got, ok := tx.FetchNode("node-1", "vol-1")
	require.True(t, ok)
	assert.Equal(t, "root", got.Name)
	assert.Equal(t, TypeFolder, got.Type)
}

func TestRollbackDiscards(t *testing.T) {
	r := NewRepository()

	tx := r.Begin(nil, ContextBackground)
	tx.FetchOrCreateNode("node-1", "vol-1", "")
	tx.Rollback()

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()
	_, ok := tx.FetchNode("node-1", "vol-1")
	assert.False(t, ok)
}

func TestFetchReturnsClone(t *testing.T) {
	r := NewRepository()

	tx := r.Begin(nil, ContextBackground)
	n := tx.FetchOrCreateNode("node-1", "vol-1", "")
	n.Name = "original"
	require.NoError(t, tx.Commit())

	// Mutate a fetched clone and roll back: the base must not change.
	tx = r.Begin(nil, ContextEvents)
	n, ok := tx.FetchNode("node-1", "vol-1")
	require.True(t, ok)
	n.Name = "mutated"
	tx.Rollback()

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()
	got, ok := tx.FetchNode("node-1", "vol-1")
	require.True(t, ok)
	assert.Equal(t, "original", got.Name)
}

func TestCommitAfterInvalidation(t *testing.T) {
	r := NewRepository()
	registry := NewContextRegistry()

	tx := r.Begin(registry, ContextEvents)
	tx.FetchOrCreateNode("node-1", "vol-1", "")

	require.Equal(t, 1, registry.ResetAll())
	assert.ErrorIs(t, tx.Commit(), ErrContextInvalidated)

	// The staged node never reached the shared graph.
	tx = r.Begin(registry, ContextHost)
	defer tx.Rollback()
	_, ok := tx.FetchNode("node-1", "vol-1")
	assert.False(t, ok)
}

func TestDeleteNodeCascades(t *testing.T) {
	r := NewRepository()

	tx := r.Begin(nil, ContextBackground)
	folder := tx.FetchOrCreateNode("folder", "vol-1", "")
	folder.Type = TypeFolder
	file := tx.FetchOrCreateNode("file", "vol-1", "folder")
	file.Type = TypeFile
	file.ActiveRevisionID = "rev-1"
	rev := tx.FetchOrCreateRevision("rev-1", "vol-1", "file")
	rev.State = RevisionActive
	nested := tx.FetchOrCreateNode("nested", "vol-1", "folder")
	nested.Type = TypeFolder
	tx.FetchOrCreateNode("leaf", "vol-1", "nested")
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextEvents)
	folder, ok := tx.FetchNode("folder", "vol-1")
	require.True(t, ok)
	tx.DeleteNode(folder)
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()
	for _, id := range []string{"folder", "file", "nested", "leaf"} {
		_, ok := tx.FetchNode(id, "vol-1")
		assert.False(t, ok, "node %s should be gone", id)
	}
	_, ok = tx.FetchRevision("rev-1", "vol-1")
	assert.False(t, ok, "owned revision should be gone")
}

func TestFetchNodeInShare(t *testing.T) {
	r := NewRepository()
	strictDup(t, r)

	tx := r.Begin(nil, ContextBackground)
	n := tx.FetchOrCreateNode("node-1", "vol-1", "")
	n.ShareID = "share-1"
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()
	got, ok := tx.FetchNodeInShare("node-1", "share-1")
	require.True(t, ok)
	assert.Equal(t, "vol-1", got.VolumeID)

	_, ok = tx.FetchNodeInShare("node-1", "share-2")
	assert.False(t, ok)
}

func TestFetchNodeInShareDuplicate(t *testing.T) {
	r := NewRepository()
	var reported int
	r.SetDuplicateReporter(func(entity, id string, count int) {
		reported++
		assert.Equal(t, "Node", entity)
		assert.Equal(t, "node-1", id)
		assert.Equal(t, 2, count)
	})

	// Same (id, share) pair in two volumes.
	tx := r.Begin(nil, ContextBackground)
	a := tx.FetchOrCreateNode("node-1", "vol-1", "")
	a.ShareID = "share-1"
	b := tx.FetchOrCreateNode("node-1", "vol-2", "")
	b.ShareID = "share-1"
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()
	_, ok := tx.FetchNodeInShare("node-1", "share-1")
	assert.True(t, ok)
	assert.Equal(t, 1, reported)
}

func TestFetchNodeByIdentifier(t *testing.T) {
	r := NewRepository()
	strictDup(t, r)

	tx := r.Begin(nil, ContextBackground)
	n := tx.FetchOrCreateNode("node-1", "vol-1", "")
	n.ShareID = "share-1"
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()

	byVolume, ok := tx.FetchNodeByIdentifier(NodeIdentifier{ID: "node-1", VolumeID: "vol-1"})
	require.True(t, ok)
	byShare, ok2 := tx.FetchNodeByIdentifier(NodeIdentifier{ID: "node-1", ShareID: "share-1"})
	require.True(t, ok2)
	assert.Equal(t, byVolume.ID, byShare.ID)

	_, ok = tx.FetchNodeByIdentifier(NodeIdentifier{ID: "node-1"})
	assert.False(t, ok, "identifier without share or volume cannot resolve")
}

func TestMainShareInvariant(t *testing.T) {
	r := NewRepository()
	var reported int
	r.SetDuplicateReporter(func(entity, id string, count int) { reported++ })

	tx := r.Begin(nil, ContextBackground)
	for _, id := range []string{"share-a", "share-b"} {
		s := tx.FetchOrCreateShare(id)
		s.Type = ShareMain
		s.VolumeID = "vol-1"
		s.AddressID = "addr-1"
	}
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()
	s, ok := tx.MainShare("vol-1", "addr-1")
	require.True(t, ok)
	assert.Equal(t, "share-a", s.ID, "first match by id order wins")
	assert.Equal(t, 1, reported)
}

func TestFetchOrCreateShareIDs(t *testing.T) {
	r := NewRepository()

	tx := r.Begin(nil, ContextBackground)
	existing := tx.FetchOrCreateShare("share-1")
	existing.Type = ShareMain
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextBackground)
	defer tx.Rollback()
	shares := tx.FetchOrCreateShareIDs([]string{"share-1", "share-2", "share-1"})
	require.Len(t, shares, 2, "input duplicates collapse")
	assert.Equal(t, ShareMain, shares[0].Type)
	assert.Equal(t, ShareUndefined, shares[1].Type)
}

func TestNextDirtyIndexMonotonic(t *testing.T) {
	r := NewRepository()
	a := r.NextDirtyIndex()
	b := r.NextDirtyIndex()
	assert.Greater(t, b, a)
}

func TestIsAvailableOffline(t *testing.T) {
	n := &Node{}
	assert.False(t, n.IsAvailableOffline())
	n.IsInheritingOfflineAvailable = true
	assert.True(t, n.IsAvailableOffline())
	n.IsInheritingOfflineAvailable = false
	n.IsMarkedOfflineAvailable = true
	assert.True(t, n.IsAvailableOffline())
}
