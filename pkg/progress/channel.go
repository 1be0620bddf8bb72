package progress

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bulkops/pkg/backoff"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// PushHandler receives what a Push transport observes. Calls come from the
// transport's own goroutine.
type PushHandler interface {
	OnEvent(ev Event)
	OnConnected()
	OnDisconnected(err error)
}

// Push is a live event transport keyed by task id topics.
type Push interface {
	// Run connects and keeps reconnecting until ctx is done.
	Run(ctx context.Context, h PushHandler)
	Subscribe(taskID string)
	Unsubscribe(taskID string)
}

const (
	channelWriteWait = 10 * time.Second
	// the server pings every 30s
	channelReadWait = 75 * time.Second
)

type topicMsg struct {
	Action string `json:"action"`
	TaskID string `json:"task_id"`
}

// Channel is the WebSocket Push transport. It holds each topic once and
// sends the whole set again after every reconnect. Missed events are not
// replayed. Subscribe and Unsubscribe never wait on the network: topic
// messages are queued for the connection's writer goroutine.
type Channel struct {
	URL           string
	Header        http.Header
	Dialer        *websocket.Dialer
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Logger        zerolog.Logger

	mu      sync.Mutex
	topics  map[string]struct{}
	conn    *websocket.Conn
	pending []topicMsg
	wake    chan struct{}
}

var _ Push = (*Channel)(nil)

// NewChannel builds the channel for baseURL (http or https) and userID.
func NewChannel(baseURL, userID string) (*Channel, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.New("progress: base url must be http(s) or ws(s)")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/tasks"
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	h := http.Header{}
	h.Set("X-User-ID", userID)
	return &Channel{
		URL:           u.String(),
		Header:        h,
		Dialer:        websocket.DefaultDialer,
		ReconnectBase: 500 * time.Millisecond,
		ReconnectMax:  30 * time.Second,
		topics:        make(map[string]struct{}),
		wake:          make(chan struct{}, 1),
	}, nil
}

func (c *Channel) Run(ctx context.Context, h PushHandler) {
	attempt := 0
	for {
		conn, _, err := c.Dialer.DialContext(ctx, c.URL, c.Header)
		if err == nil {
			attempt = 0
			c.attach(conn)
			c.Logger.Info().Str("url", c.URL).Msg("progress channel connected")
			h.OnConnected()

			wctx, stopWriter := context.WithCancel(ctx)
			written := make(chan struct{})
			go func() {
				defer close(written)
				c.writer(wctx, conn)
			}()
			err = c.read(ctx, conn, h)
			stopWriter()
			_ = conn.Close()
			<-written
			c.detach(conn)
			h.OnDisconnected(err)
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		delay := backoff.ExponentialJitter(c.ReconnectBase, c.ReconnectMax, attempt)
		c.Logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("progress channel down")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Channel) Subscribe(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topics == nil {
		c.topics = make(map[string]struct{})
	}
	if _, ok := c.topics[taskID]; ok {
		return
	}
	c.topics[taskID] = struct{}{}
	c.send("subscribe", taskID)
}

func (c *Channel) Unsubscribe(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[taskID]; !ok {
		return
	}
	delete(c.topics, taskID)
	c.send("unsubscribe", taskID)
}

func (c *Channel) attach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wake == nil {
		c.wake = make(chan struct{}, 1)
	}
	c.conn = conn
	c.pending = nil
	for id := range c.topics {
		c.send("subscribe", id)
	}
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.pending = nil
	}
	_ = conn.Close()
}

// send queues a topic message for the current connection. mu must be held.
func (c *Channel) send(action, taskID string) {
	if c.conn == nil {
		return
	}
	c.pending = append(c.pending, topicMsg{Action: action, TaskID: taskID})
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writer is the only goroutine writing data frames to conn. A failed write
// closes conn so the read side reports the drop.
func (c *Channel) writer(ctx context.Context, conn *websocket.Conn) {
	for {
		c.mu.Lock()
		batch := c.pending
		if c.conn == conn {
			c.pending = nil
		} else {
			batch = nil
		}
		c.mu.Unlock()

		for _, msg := range batch {
			_ = conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.Logger.Debug().Err(err).Str("action", msg.Action).Msg("topic write failed")
				_ = conn.Close()
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
	}
}

func (c *Channel) read(ctx context.Context, conn *websocket.Conn, h PushHandler) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(channelReadWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(channelReadWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(channelWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(channelReadWait))

		ev, err := DecodeEvent(data)
		if err != nil {
			c.Logger.Warn().Err(err).Msg("dropping push message")
			continue
		}
		if _, ok := ev.(ConnectionEstablished); ok {
			continue
		}
		h.OnEvent(ev)
	}
}
