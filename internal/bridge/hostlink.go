package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drivesync/drivesync/internal/fsprovider"
)

const (
	signalEnumerate = "enumerate"
	signalEvict     = "evict"

	// How long a signal poll hangs before returning empty. Kept well
	// under the server's write timeout.
	signalPollWait = 25 * time.Second

	defaultBarrierTimeout = 5 * time.Second
)

// hostSignal is one pending callback for the host extension.
type hostSignal struct {
	Op   string `json:"op"`
	Item string `json:"item"`
}

// HostLink is the bridge-side fsprovider.Manager. The daemon cannot
// call into the host extension over loopback HTTP, so callbacks are
// queued as signals the extension collects with a long poll on
// /v1/signals, and the eviction barrier is derived from the bridge's
// own count of in-flight enumeration requests.
type HostLink struct {
	mu     sync.Mutex
	queue  []hostSignal
	queued map[hostSignal]struct{}
	notify chan struct{}

	active  int
	settled chan struct{} // closed whenever active is zero

	barrierTimeout time.Duration
	log            zerolog.Logger
}

// NewHostLink creates an idle link: no signals queued, barrier open.
func NewHostLink() *HostLink {
	settled := make(chan struct{})
	close(settled)
	return &HostLink{
		queued:         make(map[hostSignal]struct{}),
		notify:         make(chan struct{}, 1),
		settled:        settled,
		barrierTimeout: defaultBarrierTimeout,
		log:            log.With().Str("component", "bridge").Logger(),
	}
}

// SignalEnumerator queues a re-poll request for the given container.
// Duplicate signals coalesce until the host collects them.
func (l *HostLink) SignalEnumerator(container fsprovider.ItemIdentifier) error {
	l.enqueue(hostSignal{Op: signalEnumerate, Item: string(container)})
	return nil
}

// EvictItem queues an eviction request; the host removes the local
// content when it collects the signal.
func (l *HostLink) EvictItem(identifier fsprovider.ItemIdentifier) error {
	l.enqueue(hostSignal{Op: signalEvict, Item: string(identifier)})
	return nil
}

func (l *HostLink) enqueue(sig hostSignal) {
	l.mu.Lock()
	if _, ok := l.queued[sig]; ok {
		l.mu.Unlock()
		return
	}
	l.queued[sig] = struct{}{}
	l.queue = append(l.queue, sig)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default: // a poll wake-up is already pending
	}
}

// WaitForChangesBelow blocks until no tracked host request is in
// flight, or the barrier timeout passes. The barrier is global: the
// loopback API has no per-subtree request accounting, so any settled
// moment settles every parent at once.
func (l *HostLink) WaitForChangesBelow(parent fsprovider.ItemIdentifier) error {
	l.mu.Lock()
	ch := l.settled
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(l.barrierTimeout):
		return fmt.Errorf("host operations below %s still in flight", parent)
	}
}

// collect hands out every queued signal, hanging up to wait for the
// first one to arrive. Returns nil on timeout or cancelled request.
func (l *HostLink) collect(ctx context.Context, wait time.Duration) []hostSignal {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			out := l.queue
			l.queue = nil
			l.queued = make(map[hostSignal]struct{})
			l.mu.Unlock()
			l.log.Debug().Int("signals", len(out)).Msg("Host collected signals")
			return out
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case <-l.notify:
		}
	}
}

// tracked counts a handler's requests into the barrier. Only item and
// working-set enumerations are tracked: change and offline requests
// run the eviction themselves, so counting them would make the barrier
// wait on its own caller.
func (l *HostLink) tracked(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l.enter()
		defer l.leave()
		h(w, r)
	}
}

func (l *HostLink) enter() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == 0 {
		l.settled = make(chan struct{})
	}
	l.active++
}

func (l *HostLink) leave() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	if l.active == 0 {
		close(l.settled)
	}
}
