package metadata

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedFolder(t *testing.T, r *Repository, count int) {
	t.Helper()
	tx := r.Begin(nil, ContextBackground)
	folder := tx.FetchOrCreateNode("folder", "vol-1", "")
	folder.Type = TypeFolder
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		n := tx.FetchOrCreateNode(fmt.Sprintf("child-%03d", i), "vol-1", "folder")
		n.Name = fmt.Sprintf("name-%03d", i)
		n.Size = int64(i)
		n.ModifiedDate = base.Add(time.Duration(i) * time.Minute)
	}
	require.NoError(t, tx.Commit())
}

func TestQueryChildrenPaging(t *testing.T) {
	r := NewRepository()
	seedFolder(t, r, 7)

	tx := r.Begin(nil, ContextHost)
	defer tx.Rollback()

	page0 := tx.QueryChildren("vol-1", "folder", ExcludeDeleted, SortByName, 0, 3)
	page1 := tx.QueryChildren("vol-1", "folder", ExcludeDeleted, SortByName, 1, 3)
	page2 := tx.QueryChildren("vol-1", "folder", ExcludeDeleted, SortByName, 2, 3)
	page3 := tx.QueryChildren("vol-1", "folder", ExcludeDeleted, SortByName, 3, 3)

	assert.Len(t, page0, 3)
	assert.Len(t, page1, 3)
	assert.Len(t, page2, 1)
	assert.Nil(t, page3)

	// Pages never skip or repeat.
	seen := map[string]bool{}
	for _, page := range [][]*Node{page0, page1, page2} {
		for _, n := range page {
			assert.False(t, seen[n.ID], "node %s repeated across pages", n.ID)
			seen[n.ID] = true
		}
	}
	assert.Len(t, seen, 7)
}

func TestQuerySortOrder(t *testing.T) {
	r := NewRepository()

	tx := r.Begin(nil, ContextBackground)
	folder := tx.FetchOrCreateNode("folder", "vol-1", "")
	folder.Type = TypeFolder

	active := tx.FetchOrCreateNode("b-active", "vol-1", "folder")
	active.Name = "zzz"
	trashed := tx.FetchOrCreateNode("a-trashed", "vol-1", "folder")
	trashed.Name = "aaa"
	trashed.State = StateDeleted
	uploading := tx.FetchOrCreateNode("c-uploading", "vol-1", "folder")
	uploading.Name = "mmm"
	uploading.State = StateUploading
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()

	// State groups come first regardless of name.
	all := tx.QueryChildren("vol-1", "folder", nil, SortByName, 0, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "b-active", all[0].ID)
	assert.Equal(t, "c-uploading", all[1].ID)
	assert.Equal(t, "a-trashed", all[2].ID)

	visible := tx.QueryChildren("vol-1", "folder", ExcludeDeleted, SortByName, 0, 0)
	assert.Len(t, visible, 2)

	trash := tx.QueryChildren("vol-1", "folder", OnlyDeleted, SortByName, 0, 0)
	require.Len(t, trash, 1)
	assert.Equal(t, "a-trashed", trash[0].ID)
}

func TestQuerySortKeys(t *testing.T) {
	r := NewRepository()

	tx := r.Begin(nil, ContextBackground)
	folder := tx.FetchOrCreateNode("folder", "vol-1", "")
	folder.Type = TypeFolder
	big := tx.FetchOrCreateNode("a", "vol-1", "folder")
	big.Name = "aaa"
	big.Size = 100
	big.ModifiedDate = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	small := tx.FetchOrCreateNode("b", "vol-1", "folder")
	small.Name = "bbb"
	small.Size = 1
	small.ModifiedDate = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()

	byName := tx.QueryChildren("vol-1", "folder", nil, SortByName, 0, 0)
	assert.Equal(t, "a", byName[0].ID)

	bySize := tx.QueryChildren("vol-1", "folder", nil, SortBySize, 0, 0)
	assert.Equal(t, "b", bySize[0].ID)

	byModified := tx.QueryChildren("vol-1", "folder", nil, SortByModified, 0, 0)
	assert.Equal(t, "b", byModified[0].ID)
}

func TestQueryNodesWorkingSet(t *testing.T) {
	r := NewRepository()

	tx := r.Begin(nil, ContextBackground)
	marked := tx.FetchOrCreateNode("marked", "vol-1", "")
	marked.IsMarkedOfflineAvailable = true
	inherited := tx.FetchOrCreateNode("inherited", "vol-1", "")
	inherited.IsInheritingOfflineAvailable = true
	tx.FetchOrCreateNode("plain", "vol-1", "")
	require.NoError(t, tx.Commit())

	tx = r.Begin(nil, ContextHost)
	defer tx.Rollback()
	offline := tx.QueryNodes(AvailableOffline, SortByName, 0, 0)
	require.Len(t, offline, 2)
}

func TestQueryIncludesStagedNodes(t *testing.T) {
	r := NewRepository()
	seedFolder(t, r, 2)

	tx := r.Begin(nil, ContextHost)
	defer tx.Rollback()
	staged := tx.FetchOrCreateNode("staged", "vol-1", "folder")
	staged.Name = "name-zzz"

	children := tx.QueryChildren("vol-1", "folder", nil, SortByName, 0, 0)
	assert.Len(t, children, 3)
}
