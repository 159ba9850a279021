package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/daviddao/driftsync/pkg/wire"
)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 30 * time.Second
	// A session that survived this long resets the backoff.
	stableSession = 30 * time.Second
)

// wsSession is one live WebSocket connection. gorilla permits a
// single concurrent writer, hence writeMu.
type wsSession struct {
	sock    *websocket.Conn
	writeMu sync.Mutex
	connID  string
	acks    chan wire.Frame

	closeOnce sync.Once
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() { s.sock.Close() })
}

func (s *wsSession) write(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.sock.WriteMessage(websocket.TextMessage, buf)
}

// pushAndWait sends a push request on the live channel and blocks
// until the relay acknowledges it.
func (s *wsSession) pushAndWait(ctx context.Context, req wire.PushRequest) error {
	if err := s.write(req); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case f, ok := <-s.acks:
		if !ok {
			return errors.New("live channel closed before ack")
		}
		if f.Timestamp == "" {
			return errors.New("relay rejected push")
		}
		return nil
	case <-time.After(ackTimeout):
		return errors.New("timed out waiting for push ack")
	}
}

// Run keeps a live channel open while the connection preconditions
// hold, reconnecting with capped exponential backoff. Local changes
// observed through the store trigger pushes; relayed payloads from
// other devices are merged as they arrive. Run returns when ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.store.Subscribe(func(changed []string) {
		if c.State() != StateConnected {
			return
		}
		go func() {
			if err := c.PushPending(ctx); err != nil && ctx.Err() == nil {
				log.Debug("push after local change failed", "err", err)
			}
		}()
	})

	delay := reconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.shouldConnect() {
			c.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}

		c.setState(StateConnecting)
		started := time.Now()
		err := c.runSession(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) >= stableSession {
			delay = reconnectBase
		}
		log.Debug("live channel down", "err", err, "retry_in", delay)
		jittered := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		case <-time.After(jittered):
		}
		if delay *= 2; delay > reconnectCap {
			delay = reconnectCap
		}
	}
}

// runSession dials, waits for the relay's info frame, then serves the
// read loop until the socket drops or ctx is cancelled.
func (c *Client) runSession(ctx context.Context) error {
	lastPullAt, _, err := c.store.Cursors()
	if err != nil {
		return err
	}
	wsURL := c.liveURL(lastPullAt)
	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	sock, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial live channel: %w: %w", ErrTransport, err)
	}
	sess := &wsSession{sock: sock, acks: make(chan wire.Frame, 1)}
	defer func() {
		c.mu.Lock()
		c.sock = nil
		c.mu.Unlock()
		close(sess.acks)
		sess.close()
	}()

	stop := context.AfterFunc(ctx, sess.close)
	defer stop()

	for {
		_, buf, err := sock.ReadMessage()
		if err != nil {
			return err
		}
		var f wire.Frame
		if err := json.Unmarshal(buf, &f); err != nil {
			log.Debug("unreadable frame", "err", err)
			continue
		}
		switch f.Type {
		case wire.FrameInfo:
			sess.connID = f.ID
			c.mu.Lock()
			c.sock = sess
			c.mu.Unlock()
			c.setState(StateConnected)
			log.Debug("live channel open", "conn", f.ID)
			go func() {
				if err := c.PushPending(ctx); err != nil && ctx.Err() == nil {
					log.Debug("push on connect failed", "err", err)
				}
			}()
		case wire.FrameNewEvents:
			if err := c.mergeBlobs(f.Events); err != nil {
				return fmt.Errorf("merge live payloads: %w", err)
			}
		case wire.FrameGotEvents:
			select {
			case sess.acks <- f:
			default:
			}
		default:
			log.Debug("unknown frame type", "type", f.Type)
		}
	}
}

func (c *Client) liveURL(lastSyncedAt string) string {
	base := c.relayURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("accountId", c.AccountID())
	q.Set("clientId", c.clientID)
	if lastSyncedAt != "" {
		q.Set("lastSyncedAt", lastSyncedAt)
	}
	return base + "/ws?" + q.Encode()
}
