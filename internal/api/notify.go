package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Notifier keeps a websocket open to the push endpoint and coalesces
// incoming "volume changed" messages into wake-ups for the event poll
// loop. Push is an optimization only: the poll ticker remains the
// source of truth, so a dropped connection is never fatal.
type Notifier struct {
	url     string
	session *Session
	wake    chan struct{}
}

// NewNotifier creates a notifier for the push endpoint at rawURL
// (http/https URLs are converted to ws/wss).
func NewNotifier(rawURL string, session *Session) *Notifier {
	return &Notifier{
		url:     httpToWSURL(rawURL),
		session: session,
		wake:    make(chan struct{}, 1),
	}
}

// Wake returns the coalesced wake-up channel.
func (n *Notifier) Wake() <-chan struct{} { return n.wake }

// Run dials the push endpoint and reconnects with backoff until ctx is
// cancelled.
func (n *Notifier) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := n.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Dur("backoff", backoff).Msg("Push connection lost, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (n *Notifier) listen(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	headers := http.Header{}
	if n.session != nil {
		headers.Set("Authorization", "Bearer "+n.session.Token())
	}

	conn, resp, err := dialer.DialContext(ctx, n.url, headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer conn.Close()
	log.Info().Msg("Push channel connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		// Coalesce: a wake-up already pending is enough.
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
}

func httpToWSURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}
