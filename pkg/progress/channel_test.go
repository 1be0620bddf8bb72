package progress

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type pushRecorder struct {
	connected chan struct{}
}

func (p *pushRecorder) OnEvent(Event) {}
func (p *pushRecorder) OnConnected() {
	select {
	case p.connected <- struct{}{}:
	default:
	}
}
func (p *pushRecorder) OnDisconnected(error) {}

func runChannel(t *testing.T, url string) (*Channel, *pushRecorder) {
	t.Helper()
	ch, err := NewChannel(url, "u1")
	require.NoError(t, err)
	ch.ReconnectBase, ch.ReconnectMax = 10*time.Millisecond, 50*time.Millisecond

	rec := &pushRecorder{connected: make(chan struct{}, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.Run(ctx, rec)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch, rec
}

func waitConnected(t *testing.T, rec *pushRecorder) {
	t.Helper()
	select {
	case <-rec.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never connected")
	}
}

func TestChannel_ResendsTopicsAfterReconnect(t *testing.T) {
	var conns atomic.Int32
	got := make(chan string, 16)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		_ = conn.WriteJSON(map[string]string{"type": "connection_established"})

		for i := 0; ; i++ {
			var msg topicMsg
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			got <- fmt.Sprintf("%d:%s:%s", n, msg.Action, msg.TaskID)
			if n == 1 && i == 2 {
				// drop the first session after three topic messages
				return
			}
		}
	}))
	defer srv.Close()

	ch, rec := runChannel(t, srv.URL)
	waitConnected(t, rec)

	ch.Subscribe("a")
	ch.Subscribe("b")
	ch.Subscribe("b")
	ch.Unsubscribe("a")

	next := func() string {
		select {
		case s := <-got:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("topic message not received")
			return ""
		}
	}
	require.Equal(t, "1:subscribe:a", next())
	require.Equal(t, "1:subscribe:b", next())
	require.Equal(t, "1:unsubscribe:a", next())

	waitConnected(t, rec)
	require.Equal(t, "2:subscribe:b", next())
}

func TestChannel_SubscribeDoesNotWaitForTheSocket(t *testing.T) {
	release := make(chan struct{})
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// never read, so client writes back up once the socket buffers fill
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ch, rec := runChannel(t, srv.URL)
	waitConnected(t, rec)

	start := time.Now()
	for i := range 300_000 {
		ch.Subscribe(fmt.Sprintf("task-%06d", i))
	}
	require.Less(t, time.Since(start), 2*time.Second)
}
