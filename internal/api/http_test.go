package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *HTTPClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewHTTPClient(srv.URL, NewSession("token-abc"))
}

func TestLatestEventID(t *testing.T) {
	var gotPath, gotAuth string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"EventID": "evt-42"})
	})

	id, err := client.LatestEventID(context.Background(), "vol-1")
	require.NoError(t, err)
	assert.Equal(t, "evt-42", id)
	assert.Equal(t, "/drive/volumes/vol-1/events/latest", gotPath)
	assert.Equal(t, "Bearer token-abc", gotAuth)
}

func TestEventsSince(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/volumes/vol-1/events/evt-1", r.URL.Path)
		json.NewEncoder(w).Encode(EventsPage{
			Events:  []Event{{EventID: "evt-2", EventType: EventCreate}},
			EventID: "evt-2",
			More:    true,
		})
	})

	page, err := client.EventsSince(context.Background(), "vol-1", "evt-1")
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "evt-2", page.EventID)
	assert.True(t, page.More)
	assert.False(t, page.Refresh)
}

func TestListFolderChildren(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/shares/share-1/folders/folder-1/children", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("Page"))
		assert.Equal(t, "150", r.URL.Query().Get("PageSize"))
		json.NewEncoder(w).Encode(ChildrenPage{
			Links: []Link{{LinkID: "file-1", Type: LinkTypeFile, Name: "a.txt"}},
			More:  false,
		})
	})

	page, err := client.ListFolderChildren(context.Background(), "share-1", "folder-1", 2, 150)
	require.NoError(t, err)
	require.Len(t, page.Links, 1)
	assert.Equal(t, "file-1", page.Links[0].LinkID)
}

func TestGetVolumesAndShares(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/drive/volumes":
			json.NewEncoder(w).Encode(map[string]any{
				"Volumes": []VolumePayload{{VolumeID: "vol-1", Type: 1}},
			})
		case "/drive/shares":
			json.NewEncoder(w).Encode(map[string]any{
				"Shares": []SharePayload{{ShareID: "share-1", VolumeID: "vol-1", RootLinkID: "root"}},
			})
		default:
			http.NotFound(w, r)
		}
	})

	vols, err := client.GetVolumes(context.Background())
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, "vol-1", vols[0].VolumeID)

	shares, err := client.GetShares(context.Background())
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, "root", shares[0].RootLinkID)
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"Code":2501,"Error":"volume gone"}`, http.StatusUnprocessableEntity)
	})

	_, err := client.LatestEventID(context.Background(), "vol-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
	assert.Contains(t, err.Error(), "volume gone")
}

func TestRequestContextCancelled(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.LatestEventID(ctx, "vol-1")
	assert.Error(t, err)
}
