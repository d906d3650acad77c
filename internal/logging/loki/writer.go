// Package loki ships the daemon's structured log lines to a Grafana
// Loki endpoint. Lines are grouped into one stream per component so
// the sync, bridge and store logs can be queried separately.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const pushPath = "/loki/api/v1/push"

// Config configures a Writer. Zero values get daemon defaults.
type Config struct {
	URL           string            // base URL of the Loki instance
	Labels        map[string]string // static stream labels (volume, version)
	BatchSize     int               // lines per push, default 100
	MaxBuffered   int               // cap before old lines are dropped, default 10x batch
	FlushInterval time.Duration     // default 5s
	Timeout       time.Duration     // per-push HTTP timeout, default 10s
}

// record is one buffered log line with the component parsed out of the
// zerolog JSON, so it can be routed to its stream at push time.
type record struct {
	ts        time.Time
	component string
	line      string
}

// Writer is an io.Writer for zerolog output that batches lines and
// pushes them to Loki in the background. Write never fails: when Loki
// is unreachable the daemon keeps logging locally, the push error is
// counted, and the lines ride along with the next batch until the
// buffer cap drops the oldest.
type Writer struct {
	url         string
	client      *http.Client
	batchSize   int
	maxBuffered int
	interval    time.Duration

	mu     sync.Mutex
	labels map[string]string
	buf    []record

	trigger chan struct{}
	cancel  context.CancelFunc
	ctx     context.Context
	done    sync.WaitGroup

	pushErrors   atomic.Uint64
	droppedLines atomic.Uint64
}

// NewWriter creates a writer for the given Loki endpoint.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 10 * cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "drivesync"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		url:         cfg.URL,
		client:      &http.Client{Timeout: cfg.Timeout},
		batchSize:   cfg.BatchSize,
		maxBuffered: cfg.MaxBuffered,
		interval:    cfg.FlushInterval,
		labels:      labels,
		trigger:     make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Write buffers one zerolog line. zerolog reuses p, so the line is
// copied out before returning.
func (w *Writer) Write(p []byte) (int, error) {
	line := bytes.TrimSpace(p)
	if len(line) == 0 {
		return len(p), nil
	}
	rec := record{ts: time.Now(), component: componentOf(line), line: string(line)}

	w.mu.Lock()
	w.buf = append(w.buf, rec)
	if over := len(w.buf) - w.maxBuffered; over > 0 {
		w.buf = w.buf[over:]
		w.droppedLines.Add(uint64(over))
	}
	full := len(w.buf) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default: // a flush is already pending
		}
	}
	return len(p), nil
}

// componentOf pulls the component field out of a zerolog JSON line.
// Lines without one (or non-JSON lines) go to the catch-all stream.
func componentOf(line []byte) string {
	var fields struct {
		Component string `json:"component"`
	}
	if err := json.Unmarshal(line, &fields); err != nil {
		return ""
	}
	return fields.Component
}

// Start launches the background pusher.
func (w *Writer) Start() {
	w.done.Add(1)
	go func() {
		defer w.done.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.trigger:
				w.flush()
			}
		}
	}()
}

// Stop shuts the pusher down and pushes whatever is still buffered.
func (w *Writer) Stop() {
	w.cancel()
	w.done.Wait()
	w.flush()
}

// PushErrors returns how many pushes have failed since start.
func (w *Writer) PushErrors() uint64 { return w.pushErrors.Load() }

// DroppedLines returns how many buffered lines were discarded because
// Loki fell too far behind.
func (w *Writer) DroppedLines() uint64 { return w.droppedLines.Load() }

// SetLabels merges additional static labels into every future stream,
// for values only known after login (share id, remote volume name).
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}

// pushPayload is the Loki push API body.
type pushPayload struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// flush pushes the buffered lines as one stream per component. Only the
// background goroutine and Stop call this, so pushes never race.
func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buf
	w.buf = nil
	base := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		base[k] = v
	}
	w.mu.Unlock()

	byComponent := make(map[string][][]string)
	for _, rec := range batch {
		byComponent[rec.component] = append(byComponent[rec.component], []string{
			strconv.FormatInt(rec.ts.UnixNano(), 10),
			rec.line,
		})
	}

	components := make([]string, 0, len(byComponent))
	for c := range byComponent {
		components = append(components, c)
	}
	sort.Strings(components)

	payload := pushPayload{Streams: make([]stream, 0, len(components))}
	for _, c := range components {
		labels := make(map[string]string, len(base)+1)
		for k, v := range base {
			labels[k] = v
		}
		if c != "" {
			labels["component"] = c
		}
		payload.Streams = append(payload.Streams, stream{Stream: labels, Values: byComponent[c]})
	}

	if err := w.push(payload); err != nil {
		w.pushErrors.Add(1)
	}
}

func (w *Writer) push(payload pushPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+pushPath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return &pushError{status: resp.StatusCode}
	}
	return nil
}

type pushError struct{ status int }

func (e *pushError) Error() string {
	return "loki push returned status " + strconv.Itoa(e.status)
}
