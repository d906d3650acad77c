package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drivesync/drivesync/internal/api"
	"github.com/drivesync/drivesync/internal/metadata"
	"github.com/drivesync/drivesync/internal/metrics"
)

// Loop drives event ingestion for one volume: fetch pages from the
// remote log, record them in the ledger, apply them to metadata, then
// tell the host something changed. Runs on a ticker, with push wake-ups
// as an optimization.
type Loop struct {
	client    api.Client
	ledger    *Ledger
	processor *Processor

	volumeID       string
	defaultShareID string
	interval       time.Duration

	wake      <-chan struct{}
	onChanges func(affected []metadata.NodeIdentifier)
	metrics   *metrics.SyncMetrics

	// cycleMu serializes poll cycles so a forced cycle (from a changes
	// request) never interleaves with the ticker's.
	cycleMu sync.Mutex

	log zerolog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithWake attaches a push wake-up channel.
func WithWake(wake <-chan struct{}) LoopOption {
	return func(l *Loop) { l.wake = wake }
}

// WithOnChanges registers a callback invoked after a cycle that applied
// events, with the affected node identifiers.
func WithOnChanges(fn func([]metadata.NodeIdentifier)) LoopOption {
	return func(l *Loop) { l.onChanges = fn }
}

// WithMetrics attaches sync metrics.
func WithMetrics(m *metrics.SyncMetrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop creates an event loop for one volume.
func NewLoop(client api.Client, ledger *Ledger, processor *Processor, volumeID, defaultShareID string, interval time.Duration, opts ...LoopOption) *Loop {
	l := &Loop{
		client:         client,
		ledger:         ledger,
		processor:      processor,
		volumeID:       volumeID,
		defaultShareID: defaultShareID,
		interval:       interval,
		log:            log.With().Str("component", "events").Str("volume", volumeID).Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Bootstrap starts event tracking if it has not started yet: fetch the
// latest remote event id and open a fresh epoch from it. A ledger
// restored from disk keeps its epoch.
func (l *Loop) Bootstrap(ctx context.Context) error {
	if l.ledger.ReferenceID() != "" {
		return nil
	}
	latest, err := l.client.LatestEventID(ctx, l.volumeID)
	if err != nil {
		return err
	}
	l.ledger.Reset(latest)
	return nil
}

// Run polls until ctx is cancelled. An immediate first cycle, then the
// ticker, plus any push wake-ups in between.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.wakeChan():
		}
		l.cycle(ctx)
	}
}

func (l *Loop) wakeChan() <-chan struct{} {
	if l.wake != nil {
		return l.wake
	}
	return nil // nil channel blocks forever
}

// ForceCycle runs one fetch-and-apply cycle synchronously. Change
// enumeration calls this so the handed-off change-set reflects the
// newest remote state.
func (l *Loop) ForceCycle(ctx context.Context) error {
	return l.cycle(ctx)
}

func (l *Loop) cycle(ctx context.Context) error {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	if err := l.fetch(ctx); err != nil {
		l.log.Warn().Err(err).Msg("Event fetch failed")
		if l.metrics != nil {
			l.metrics.EventFetchErrors.Inc()
		}
		return err
	}

	affected, err := l.processor.Process()
	if err != nil {
		l.log.Warn().Err(err).Msg("Event processing failed")
		return err
	}
	if len(affected) > 0 && l.onChanges != nil {
		l.onChanges(affected)
	}
	return nil
}

// fetch drains the remote log from the ledger's cursor into the ledger.
func (l *Loop) fetch(ctx context.Context) error {
	for {
		page, err := l.client.EventsSince(ctx, l.volumeID, l.ledger.FetchCursor())
		if err != nil {
			return err
		}
		if page.Refresh {
			// The remote log no longer reaches our cursor. Restart the
			// epoch; every anchor issued so far becomes stale.
			l.log.Warn().Msg("Remote requested refresh, restarting event tracking")
			latest, err := l.client.LatestEventID(ctx, l.volumeID)
			if err != nil {
				return err
			}
			l.ledger.Reset(latest)
			return nil
		}
		l.ledger.Record(page.Events, page.EventID, l.defaultShareID)
		if l.metrics != nil {
			l.metrics.EventsFetched.Add(float64(len(page.Events)))
		}
		if !page.More {
			return nil
		}
	}
}
