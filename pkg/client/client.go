// Package client drives replication between a local store and a
// relay. Pushes seal pending local events into an encrypted payload
// the relay can not read; pulls page stored payloads back down and
// merge them through the store. A live WebSocket channel delivers
// payloads from other devices as they arrive, with plain HTTP as the
// fallback and catch-up path.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/daviddao/driftsync/pkg/cryptobox"
	"github.com/daviddao/driftsync/pkg/event"
	"github.com/daviddao/driftsync/pkg/optimize"
	"github.com/daviddao/driftsync/pkg/store"
	"github.com/daviddao/driftsync/pkg/wire"
)

// ErrTransport classifies network failures reaching the relay. Local
// state is unaffected by them: cursors only advance after a committed
// transaction, so a failed transfer resumes cleanly on reconnect.
var ErrTransport = errors.New("relay transport failure")

// State is the connection lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultPageSize = 100
	pushBatchLimit  = 500
	ackTimeout      = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	Store    *store.Store
	RelayURL string
	Keypair  *cryptobox.Keypair
	Key      []byte
	// ClientID identifies this device to the relay so pulls can skip
	// its own payloads. Defaults to the store's replica id.
	ClientID string
	PageSize int
	// Token is sent as a bearer credential when the relay requires one.
	Token      string
	HTTPClient *http.Client
}

// Client replicates a store through a relay.
type Client struct {
	store    *store.Store
	relayURL string
	kp       *cryptobox.Keypair
	key      []byte
	clientID string
	pageSize int
	token    string
	httpc    *http.Client

	mu      sync.Mutex
	state   State
	online  bool
	visible bool
	wake    chan struct{}

	inflight sync.WaitGroup

	sock *wsSession
}

// New validates options and builds a client. The account is the
// keypair's derived id; a client without keypair or relay URL can
// still be constructed but never connects.
func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("client: store is required")
	}
	if opts.Key != nil && len(opts.Key) != 32 {
		return nil, errors.New("client: symmetric key must be 32 bytes")
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = opts.Store.ReplicaID()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		store:    opts.Store,
		relayURL: strings.TrimRight(opts.RelayURL, "/"),
		kp:       opts.Keypair,
		key:      opts.Key,
		clientID: clientID,
		pageSize: pageSize,
		token:    opts.Token,
		httpc:    httpc,
		online:   true,
		visible:  true,
		wake:     make(chan struct{}, 1),
	}, nil
}

// AccountID returns the account this client syncs under, or "" when
// no keypair is configured.
func (c *Client) AccountID() string {
	if c.kp == nil {
		return ""
	}
	return c.kp.AccountID()
}

// ClientID returns the device identity used against the relay.
func (c *Client) ClientID() string { return c.clientID }

// State reports the current connection phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetOnline feeds network reachability into the connection decision.
func (c *Client) SetOnline(v bool) { c.setInput(&c.online, v) }

// SetVisible feeds foreground visibility into the connection decision.
func (c *Client) SetVisible(v bool) { c.setInput(&c.visible, v) }

func (c *Client) setInput(field *bool, v bool) {
	c.mu.Lock()
	changed := *field != v
	*field = v
	sock := c.sock
	c.mu.Unlock()
	if !changed {
		return
	}
	if !v && sock != nil {
		// Losing a precondition tears the live channel down; in-flight
		// transfers drain before the socket closes.
		c.inflight.Wait()
		sock.close()
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// shouldConnect holds when every connection precondition is met.
func (c *Client) shouldConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online && c.visible && c.kp != nil && c.key != nil && c.relayURL != ""
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		log.Debug("connection state", "from", prev, "to", s)
	}
}

// Sync performs one pull-then-push round over HTTP. It does not
// require a live channel and is the path behind one-shot CLI syncs.
func (c *Client) Sync(ctx context.Context) error {
	if err := c.Pull(ctx); err != nil {
		return err
	}
	return c.PushPending(ctx)
}

// Pull pages payloads newer than the pull cursor from the relay,
// verifies and decrypts each, and merges the contained events. The
// cursor only advances after the store commits a page.
func (c *Client) Pull(ctx context.Context) error {
	if c.kp == nil || c.key == nil {
		return errors.New("client: account not configured")
	}
	c.inflight.Add(1)
	defer c.inflight.Done()

	after, _, err := c.store.Cursors()
	if err != nil {
		return err
	}
	for {
		page, err := c.fetchPage(ctx, after)
		if err != nil {
			return err
		}
		if len(page.Events) > 0 {
			if err := c.mergeBlobs(page.Events); err != nil {
				return err
			}
			after = page.NextAfter
		}
		if !page.HasMore {
			return nil
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, after string) (wire.PullResponse, error) {
	q := url.Values{}
	q.Set("accountId", c.AccountID())
	q.Set("clientId", c.clientID)
	q.Set("pageSize", fmt.Sprint(c.pageSize))
	if after != "" {
		q.Set("after", after)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.relayURL+"/messages?"+q.Encode(), nil)
	if err != nil {
		return wire.PullResponse{}, err
	}
	c.authorize(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return wire.PullResponse{}, fmt.Errorf("pull: %w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return wire.PullResponse{}, fmt.Errorf("pull: %w: relay returned %s", ErrTransport, resp.Status)
	}
	var page wire.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return wire.PullResponse{}, fmt.Errorf("pull: %w", err)
	}
	return page, nil
}

// mergeBlobs decrypts a batch of relayed payloads and applies their
// events in one store transaction, stamped with the page's highest
// relay timestamp.
func (c *Client) mergeBlobs(blobs []wire.StoredBlob) error {
	var events []event.Event
	var syncedAt string
	for _, b := range blobs {
		recovered, err := cryptobox.RecoverAccountID(b.Data, b.Signature)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		if recovered != c.AccountID() {
			return fmt.Errorf("pull: payload signed by foreign account: %w", cryptobox.ErrSignatureMismatch)
		}
		plain, err := cryptobox.Open(c.key, b.Data)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		batch, err := wire.DecodeBatch(plain)
		if err != nil {
			return fmt.Errorf("pull: decode batch: %w", err)
		}
		events = append(events, batch.Events...)
		if b.SyncedAt > syncedAt {
			syncedAt = b.SyncedAt
		}
	}
	if len(events) == 0 {
		return nil
	}
	if _, err := c.store.ReceiveBatch(events, syncedAt); err != nil {
		return err
	}
	return nil
}

// PushPending seals the local events past the push cursor and sends
// them to the relay. The batch is compacted first so superseded
// writes never leave the device. The cursor advances to the newest
// pending event only after the relay acknowledges.
func (c *Client) PushPending(ctx context.Context) error {
	if c.kp == nil || c.key == nil {
		return errors.New("client: account not configured")
	}
	c.inflight.Add(1)
	defer c.inflight.Done()

	for {
		pending, err := c.store.PendingPush(pushBatchLimit)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		cursor := pending[len(pending)-1].Timestamp

		compacted := optimize.Compact(pending)
		if len(compacted.Keep) > 0 {
			req, err := c.sealBatch(compacted.Keep)
			if err != nil {
				return err
			}
			if err := c.sendPush(ctx, req); err != nil {
				return err
			}
		}
		if err := c.store.SetLastPushAt(cursor); err != nil {
			return err
		}
		if len(pending) < pushBatchLimit {
			return nil
		}
	}
}

func (c *Client) sealBatch(events []event.Event) (wire.PushRequest, error) {
	plain, err := wire.EncodeBatch(wire.Batch{ClientID: c.clientID, Events: events})
	if err != nil {
		return wire.PushRequest{}, err
	}
	sealed, err := cryptobox.Seal(c.key, plain)
	if err != nil {
		return wire.PushRequest{}, err
	}
	return wire.PushRequest{
		AccountID: c.AccountID(),
		ClientID:  c.clientID,
		Data:      sealed,
		Signature: c.kp.Sign(sealed),
	}, nil
}

// sendPush prefers the live channel and falls back to HTTP when no
// socket is up.
func (c *Client) sendPush(ctx context.Context, req wire.PushRequest) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock != nil {
		err := sock.pushAndWait(ctx, req)
		if err == nil {
			return nil
		}
		log.Debug("live push failed, falling back to http", "err", err)
	}
	return c.postPush(ctx, req)
}

func (c *Client) postPush(ctx context.Context, req wire.PushRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.relayURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("push: %w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push: relay returned %s: %s", resp.Status, msg)
	}
	return nil
}

// DeleteRemote prunes this account's payloads on the relay, keeping
// those matching none of the filters.
func (c *Client) DeleteRemote(ctx context.Context, clientID, after, before string) (int64, error) {
	body, err := json.Marshal(wire.DeleteRequest{
		AccountID: c.AccountID(),
		ClientID:  clientID,
		After:     after,
		Before:    before,
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.relayURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("delete: %w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("delete: relay returned %s", resp.Status)
	}
	var out wire.DeleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// DeleteAccount removes everything the relay holds for this account.
func (c *Client) DeleteAccount(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.relayURL+"/account?accountId="+url.QueryEscape(c.AccountID()), nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("delete account: %w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("delete account: relay returned %s", resp.Status)
	}
	var out wire.DeleteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
