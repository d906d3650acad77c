package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivesync/drivesync/internal/api"
	"github.com/drivesync/drivesync/internal/metadata"
)

// fakeClient serves scripted event pages.
type fakeClient struct {
	latest   string
	pages    []*api.EventsPage
	fetchErr error

	latestCalls int
	eventsCalls int
}

func (c *fakeClient) LatestEventID(ctx context.Context, volumeID string) (string, error) {
	c.latestCalls++
	return c.latest, nil
}

func (c *fakeClient) EventsSince(ctx context.Context, volumeID, eventID string) (*api.EventsPage, error) {
	c.eventsCalls++
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	if len(c.pages) == 0 {
		return &api.EventsPage{EventID: eventID}, nil
	}
	page := c.pages[0]
	c.pages = c.pages[1:]
	return page, nil
}

func (c *fakeClient) ListFolderChildren(ctx context.Context, shareID, linkID string, page, pageSize int) (*api.ChildrenPage, error) {
	return &api.ChildrenPage{}, nil
}

func (c *fakeClient) GetVolumes(ctx context.Context) ([]api.VolumePayload, error) {
	return nil, nil
}

func (c *fakeClient) GetShares(ctx context.Context) ([]api.SharePayload, error) {
	return nil, nil
}

func newLoopFixture(t *testing.T, client api.Client, opts ...LoopOption) (*Loop, *procFixture) {
	t.Helper()
	f := newProcFixture(t)
	return NewLoop(client, f.ledger, f.processor, "vol-1", "share-1", time.Hour, opts...), f
}

func TestBootstrapFreshEpoch(t *testing.T) {
	client := &fakeClient{latest: "evt-100"}
	f := newProcFixture(t)
	f.ledger = NewLedger() // not yet reset
	f.processor = NewProcessor(f.repo, f.registry, f.ledger)
	loop := NewLoop(client, f.ledger, f.processor, "vol-1", "share-1", time.Hour)

	require.NoError(t, loop.Bootstrap(context.Background()))
	assert.Equal(t, "evt-100", f.ledger.ReferenceID())
	assert.Equal(t, 1, client.latestCalls)
}

func TestBootstrapKeepsRestoredEpoch(t *testing.T) {
	client := &fakeClient{latest: "evt-100"}
	loop, f := newLoopFixture(t, client) // fixture ledger already reset to evt-0

	require.NoError(t, loop.Bootstrap(context.Background()))
	assert.Equal(t, "evt-0", f.ledger.ReferenceID())
	assert.Equal(t, 0, client.latestCalls, "restored ledger keeps its epoch")
}

func TestForceCycleFetchesAndApplies(t *testing.T) {
	client := &fakeClient{
		pages: []*api.EventsPage{
			{Events: []api.Event{createEvent("evt-1", "file-1", "root")}, EventID: "evt-1", More: true},
			{Events: []api.Event{createEvent("evt-2", "file-2", "root")}, EventID: "evt-2"},
		},
	}
	var notified []metadata.NodeIdentifier
	loop, f := newLoopFixture(t, client, WithOnChanges(func(ids []metadata.NodeIdentifier) {
		notified = append(notified, ids...)
	}))

	require.NoError(t, loop.ForceCycle(context.Background()))

	assert.Equal(t, 2, client.eventsCalls, "More drains all pages in one cycle")
	assert.Equal(t, "evt-2", f.ledger.FetchCursor())
	for _, id := range []string{"file-1", "file-2"} {
		_, ok := f.node(t, id)
		assert.True(t, ok, "node %s applied", id)
	}
	assert.NotEmpty(t, notified)
}

func TestCycleRemoteRefresh(t *testing.T) {
	client := &fakeClient{
		latest: "evt-500",
		pages:  []*api.EventsPage{{Refresh: true}},
	}
	loop, f := newLoopFixture(t, client)
	f.ledger.Record([]api.Event{createEvent("evt-1", "file-1", "root")}, "evt-1", "share-1")

	require.NoError(t, loop.ForceCycle(context.Background()))

	assert.Equal(t, "evt-500", f.ledger.ReferenceID(), "refresh restarts the epoch from the latest id")
	assert.Nil(t, f.ledger.LastReceivedEvent(), "stale rows are dropped")
	assert.Equal(t, 1, client.latestCalls)
}

func TestCycleFetchError(t *testing.T) {
	fetchErr := errors.New("network down")
	client := &fakeClient{fetchErr: fetchErr}
	loop, _ := newLoopFixture(t, client)

	assert.ErrorIs(t, loop.ForceCycle(context.Background()), fetchErr)
}

func TestRunStopsOnCancel(t *testing.T) {
	client := &fakeClient{}
	loop, _ := newLoopFixture(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	// The immediate first cycle runs before cancellation is observed.
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
	assert.GreaterOrEqual(t, client.eventsCalls, 1)
}

func TestWakeTriggersCycle(t *testing.T) {
	client := &fakeClient{}
	wake := make(chan struct{}, 1)
	loop, _ := newLoopFixture(t, client, WithWake(wake))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	wake <- struct{}{}
	require.Eventually(t, func() bool {
		loop.cycleMu.Lock()
		defer loop.cycleMu.Unlock()
		return client.eventsCalls >= 2
	}, 5*time.Second, 10*time.Millisecond, "push wake-up runs an extra cycle")

	cancel()
	<-done
}
