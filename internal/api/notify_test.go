package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPToWSURL(t *testing.T) {
	assert.Equal(t, "wss://drive.example.com/listen", httpToWSURL("https://drive.example.com/listen"))
	assert.Equal(t, "ws://localhost:8080/listen", httpToWSURL("http://localhost:8080/listen"))
	assert.Equal(t, "ws://already/listen", httpToWSURL("ws://already/listen"))
}

func TestNotifierWakesAndCoalesces(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Two pushes back to back: the reader must coalesce them into
		// one pending wake-up.
		for i := 0; i < 2; i++ {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"Type":"volume"}`)))
		}
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, NewSession("token-abc"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	select {
	case <-n.Wake():
	case <-time.After(5 * time.Second):
		t.Fatal("no wake-up received")
	}

	// Any further pending wake is at most one.
	drained := 0
	for {
		select {
		case <-n.Wake():
			drained++
			continue
		default:
		}
		break
	}
	assert.LessOrEqual(t, drained, 1)
}
