package loki

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureServer collects every push payload it receives.
type captureServer struct {
	*httptest.Server
	mu       sync.Mutex
	payloads []pushPayload
	status   int
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	cs := &captureServer{status: http.StatusNoContent}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var payload pushPayload
		require.NoError(t, json.Unmarshal(body, &payload))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, pushPath, r.URL.Path)
		cs.mu.Lock()
		cs.payloads = append(cs.payloads, payload)
		status := cs.status
		cs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *captureServer) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.payloads)
}

func (cs *captureServer) last(t *testing.T) pushPayload {
	t.Helper()
	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.NotEmpty(t, cs.payloads)
	return cs.payloads[len(cs.payloads)-1]
}

func TestNewWriterDefaults(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100"})
	assert.Equal(t, 100, w.batchSize)
	assert.Equal(t, 1000, w.maxBuffered)
	assert.Equal(t, 5*time.Second, w.interval)
	assert.Equal(t, "drivesync", w.labels["job"])
}

func TestWriteSkipsBlankLines(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100"})
	for _, p := range []string{"", "   ", "\n"} {
		n, err := w.Write([]byte(p))
		require.NoError(t, err)
		assert.Equal(t, len(p), n)
	}
	_, err := w.Write([]byte(`{"level":"info","message":"real line"}`))
	require.NoError(t, err)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Len(t, w.buf, 1)
}

func TestFlushGroupsByComponent(t *testing.T) {
	srv := newCaptureServer(t)
	w := NewWriter(Config{
		URL:    srv.URL,
		Labels: map[string]string{"volume": "vol-1"},
	})

	lines := []string{
		`{"level":"info","component":"events","message":"page recorded"}`,
		`{"level":"info","component":"bridge","message":"listening"}`,
		`{"level":"info","component":"events","message":"applied"}`,
		`not json at all`,
	}
	for _, l := range lines {
		_, err := w.Write([]byte(l))
		require.NoError(t, err)
	}
	w.flush()

	payload := srv.last(t)
	require.Len(t, payload.Streams, 3)

	byComponent := map[string]stream{}
	for _, s := range payload.Streams {
		byComponent[s.Stream["component"]] = s
	}
	assert.Len(t, byComponent["events"].Values, 2)
	assert.Len(t, byComponent["bridge"].Values, 1)
	assert.Len(t, byComponent[""].Values, 1, "non-JSON lines land in the catch-all stream")

	for _, s := range payload.Streams {
		assert.Equal(t, "drivesync", s.Stream["job"])
		assert.Equal(t, "vol-1", s.Stream["volume"])
	}
	// Values are [nanosecond timestamp, raw line].
	v := byComponent["bridge"].Values[0]
	require.Len(t, v, 2)
	assert.GreaterOrEqual(t, len(v[0]), 19)
	assert.Equal(t, lines[1], v[1])
}

func TestFlushEmptyBufferIsQuiet(t *testing.T) {
	srv := newCaptureServer(t)
	w := NewWriter(Config{URL: srv.URL})
	w.flush()
	assert.Equal(t, 0, srv.count())
}

func TestFullBatchTriggersBackgroundPush(t *testing.T) {
	srv := newCaptureServer(t)
	w := NewWriter(Config{URL: srv.URL, BatchSize: 3, FlushInterval: time.Hour})
	w.Start()
	defer w.Stop()

	for i := 0; i < 3; i++ {
		_, err := w.Write([]byte(`{"level":"info","message":"m"}`))
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return srv.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopPushesRemainder(t *testing.T) {
	srv := newCaptureServer(t)
	w := NewWriter(Config{URL: srv.URL, BatchSize: 1000, FlushInterval: time.Hour})
	w.Start()
	_, err := w.Write([]byte(`{"level":"info","message":"last words"}`))
	require.NoError(t, err)

	w.Stop()
	require.Equal(t, 1, srv.count())
}

func TestPushFailuresCountedNeverSurfaced(t *testing.T) {
	srv := newCaptureServer(t)
	srv.mu.Lock()
	srv.status = http.StatusInternalServerError
	srv.mu.Unlock()

	w := NewWriter(Config{URL: srv.URL})
	n, err := w.Write([]byte(`{"level":"info","message":"m"}`))
	require.NoError(t, err, "logging never fails because Loki is down")
	assert.NotZero(t, n)

	w.flush()
	assert.Equal(t, uint64(1), w.PushErrors())
}

func TestUnreachableEndpointCounted(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:1", Timeout: 100 * time.Millisecond})
	_, err := w.Write([]byte(`{"level":"info","message":"m"}`))
	require.NoError(t, err)
	w.flush()
	assert.Equal(t, uint64(1), w.PushErrors())
}

func TestBufferCapDropsOldest(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100", BatchSize: 2, MaxBuffered: 3})
	for _, msg := range []string{"one", "two", "three", "four", "five"} {
		_, err := w.Write([]byte(`{"level":"info","message":"` + msg + `"}`))
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(2), w.DroppedLines())
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.buf, 3)
	assert.Contains(t, w.buf[0].line, "three", "oldest lines go first")
}

func TestSetLabelsMergesIntoStreams(t *testing.T) {
	srv := newCaptureServer(t)
	w := NewWriter(Config{URL: srv.URL, Labels: map[string]string{"volume": "vol-1"}})
	w.SetLabels(map[string]string{"share": "share-1", "version": "1.2.0"})

	_, err := w.Write([]byte(`{"level":"info","component":"events","message":"m"}`))
	require.NoError(t, err)
	w.flush()

	s := srv.last(t).Streams[0].Stream
	assert.Equal(t, "vol-1", s["volume"])
	assert.Equal(t, "share-1", s["share"])
	assert.Equal(t, "1.2.0", s["version"])
}
