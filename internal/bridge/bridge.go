// Package bridge exposes the sync core to the host filesystem extension
// over a loopback HTTP API: item listings, change-sets keyed by sync
// anchor, and offline-availability marks.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drivesync/drivesync/internal/enumerate"
	"github.com/drivesync/drivesync/internal/fsprovider"
	"github.com/drivesync/drivesync/internal/metadata"
	"github.com/drivesync/drivesync/internal/metrics"
	"github.com/drivesync/drivesync/internal/offline"
)

// Server serves the host-facing API on loopback only.
type Server struct {
	server *http.Server
	mux    *http.ServeMux

	items      *enumerate.ItemEnumerator
	workingSet *enumerate.WorkingSetEnumerator
	changes    *enumerate.ChangeEnumerator
	propagator *offline.Propagator
	hostLink   *HostLink
}

// NewServer wires the enumeration and offline surfaces into a server.
// hostLink may be nil; the signal endpoint then serves empty polls.
func NewServer(items *enumerate.ItemEnumerator, workingSet *enumerate.WorkingSetEnumerator, changes *enumerate.ChangeEnumerator, propagator *offline.Propagator, hostLink *HostLink) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		items:      items,
		workingSet: workingSet,
		changes:    changes,
		propagator: propagator,
		hostLink:   hostLink,
	}

	itemsHandler := http.HandlerFunc(s.itemsHandler)
	workingSetHandler := http.HandlerFunc(s.workingSetHandler)
	if hostLink != nil {
		// Only the enumeration reads feed the eviction barrier; change
		// and offline requests drive evictions themselves and must not
		// hold the barrier they wait on.
		itemsHandler = hostLink.tracked(itemsHandler)
		workingSetHandler = hostLink.tracked(workingSetHandler)
	}

	s.mux.HandleFunc("/health", healthHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/v1/anchor", s.anchorHandler)
	s.mux.HandleFunc("/v1/changes", s.changesHandler)
	s.mux.Handle("/v1/items", itemsHandler)
	s.mux.Handle("/v1/workingset", workingSetHandler)
	s.mux.HandleFunc("/v1/offline", s.offlineHandler)
	s.mux.HandleFunc("/v1/signals", s.signalsHandler)

	return s
}

// signalsHandler long-polls for queued host callbacks: enumerator
// wake-ups and eviction requests.
func (s *Server) signalsHandler(w http.ResponseWriter, r *http.Request) {
	signals := []hostSignal{}
	if s.hostLink != nil {
		if got := s.hostLink.collect(r.Context(), signalPollWait); got != nil {
			signals = got
		}
	}
	writeJSON(w, map[string][]hostSignal{"signals": signals})
}

// Start serves on the given loopback address.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Bridge server stopped")
		}
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// itemJSON is the wire shape of one item.
type itemJSON struct {
	Identifier         string    `json:"identifier"`
	ParentIdentifier   string    `json:"parentIdentifier"`
	Name               string    `json:"name"`
	IsFolder           bool      `json:"isFolder"`
	Size               int64     `json:"size"`
	MimeType           string    `json:"mimeType,omitempty"`
	ModifiedDate       time.Time `json:"modifiedDate"`
	IsShared           bool      `json:"isShared,omitempty"`
	IsFavorite         bool      `json:"isFavorite,omitempty"`
	IsAvailableOffline bool      `json:"isAvailableOffline,omitempty"`
	IsTrashed          bool      `json:"isTrashed,omitempty"`
}

func toItemJSON(items []fsprovider.Item) []itemJSON {
	out := make([]itemJSON, 0, len(items))
	for _, it := range items {
		out = append(out, itemJSON{
			Identifier:         string(it.Identifier),
			ParentIdentifier:   string(it.ParentIdentifier),
			Name:               it.Name,
			IsFolder:           it.IsFolder,
			Size:               it.Size,
			MimeType:           it.MimeType,
			ModifiedDate:       it.ModifiedDate,
			IsShared:           it.IsShared,
			IsFavorite:         it.IsFavorite,
			IsAvailableOffline: it.IsAvailableOffline,
			IsTrashed:          it.IsTrashed,
		})
	}
	return out
}

// itemsResult collects one enumeration page.
type itemsResult struct {
	Items    []itemJSON `json:"items"`
	NextPage *int       `json:"nextPage"`
	err      error
}

type itemsCollector struct {
	done   *fsprovider.Completion[itemsResult]
	result itemsResult
}

func newItemsCollector() *itemsCollector {
	return &itemsCollector{done: fsprovider.NewCompletion[itemsResult]()}
}

func (c *itemsCollector) DidEnumerate(items []fsprovider.Item) {
	c.result.Items = append(c.result.Items, toItemJSON(items)...)
}

func (c *itemsCollector) FinishEnumerating(next *fsprovider.Page) {
	if next != nil {
		p := int(*next)
		c.result.NextPage = &p
	}
	c.done.Resolve(c.result)
}

func (c *itemsCollector) FinishEnumeratingWithError(err error) {
	c.result.err = err
	c.done.Resolve(c.result)
}

func (s *Server) itemsHandler(w http.ResponseWriter, r *http.Request) {
	container := fsprovider.ItemIdentifier(r.URL.Query().Get("container"))
	if container == "" {
		container = fsprovider.RootContainer
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	collector := newItemsCollector()
	go s.items.EnumerateItems(r.Context(), collector, container, fsprovider.Page(page))

	result, err := collector.done.Wait(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestTimeout)
		return
	}
	if result.err != nil {
		http.Error(w, result.err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, result)
}

func (s *Server) workingSetHandler(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	collector := newItemsCollector()
	go s.workingSet.EnumerateItems(collector, fsprovider.Page(page))

	result, err := collector.done.Wait(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestTimeout)
		return
	}
	if result.err != nil {
		http.Error(w, result.err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, result)
}

// changesResult collects one change-set delivery.
type changesResult struct {
	Deleted    []string   `json:"deleted"`
	Updated    []itemJSON `json:"updated"`
	Anchor     string     `json:"anchor"`
	MoreComing bool       `json:"moreComing"`
	err        error
}

type changesCollector struct {
	done   *fsprovider.Completion[changesResult]
	result changesResult
}

func newChangesCollector() *changesCollector {
	return &changesCollector{done: fsprovider.NewCompletion[changesResult]()}
}

func (c *changesCollector) DidDeleteItems(ids []fsprovider.ItemIdentifier) {
	for _, id := range ids {
		c.result.Deleted = append(c.result.Deleted, string(id))
	}
}

func (c *changesCollector) DidUpdate(items []fsprovider.Item) {
	c.result.Updated = append(c.result.Updated, toItemJSON(items)...)
}

func (c *changesCollector) FinishEnumeratingChanges(anchor fsprovider.SyncAnchor, moreComing bool) {
	c.result.Anchor = base64.StdEncoding.EncodeToString(anchor)
	c.result.MoreComing = moreComing
	c.done.Resolve(c.result)
}

func (c *changesCollector) FinishEnumeratingWithError(err error) {
	c.result.err = err
	c.done.Resolve(c.result)
}

func (s *Server) anchorHandler(w http.ResponseWriter, r *http.Request) {
	anchor := s.changes.CurrentSyncAnchor()
	writeJSON(w, map[string]string{
		"anchor": base64.StdEncoding.EncodeToString(anchor),
	})
}

func (s *Server) changesHandler(w http.ResponseWriter, r *http.Request) {
	raw, err := base64.StdEncoding.DecodeString(r.URL.Query().Get("anchor"))
	if err != nil {
		http.Error(w, "malformed anchor", http.StatusBadRequest)
		return
	}

	collector := newChangesCollector()
	go s.changes.EnumerateChanges(r.Context(), collector, fsprovider.SyncAnchor(raw))

	result, err := collector.done.Wait(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestTimeout)
		return
	}
	if result.err != nil {
		if errors.Is(result.err, fsprovider.ErrSyncAnchorExpired) {
			// 410 tells the host to drop its cache and re-enumerate.
			http.Error(w, result.err.Error(), http.StatusGone)
			return
		}
		http.Error(w, result.err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, result)
}

// offlineRequest marks or unmarks nodes for offline availability.
type offlineRequest struct {
	Identifiers []string `json:"identifiers"`
	Keep        bool     `json:"keep"`
}

func (s *Server) offlineHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req offlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	ids := make([]metadata.NodeIdentifier, 0, len(req.Identifiers))
	for _, raw := range req.Identifiers {
		nodeID, shareID, ok := fsprovider.ItemIdentifier(raw).Split()
		if !ok {
			http.Error(w, "malformed identifier: "+raw, http.StatusBadRequest)
			return
		}
		ids = append(ids, metadata.NodeIdentifier{ID: nodeID, ShareID: shareID})
	}

	if err := s.propagator.SetKeepDownloadedState(r.Context(), ids, req.Keep); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Bridge response write failed")
	}
}
