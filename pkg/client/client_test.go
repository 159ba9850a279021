package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daviddao/driftsync/pkg/cryptobox"
	"github.com/daviddao/driftsync/pkg/event"
	"github.com/daviddao/driftsync/pkg/materialize"
	"github.com/daviddao/driftsync/pkg/relay"
	"github.com/daviddao/driftsync/pkg/store"
	"github.com/daviddao/driftsync/pkg/wire"
)

type syncEnv struct {
	relay *httptest.Server
	kp    *cryptobox.Keypair
	key   []byte
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	srv, err := relay.New(relay.Options{DBPath: filepath.Join(t.TempDir(), "relay.db")})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	kp, err := cryptobox.NewKeypair()
	require.NoError(t, err)
	key, err := cryptobox.NewKey()
	require.NoError(t, err)
	return &syncEnv{relay: ts, kp: kp, key: key}
}

func (e *syncEnv) newDevice(t *testing.T, name string) (*store.Store, *Client) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	c, err := New(Options{
		Store:    st,
		RelayURL: e.relay.URL,
		Keypair:  e.kp,
		Key:      e.key,
	})
	require.NoError(t, err)
	return st, c
}

func mustDispatch(t *testing.T, st *store.Store, intent event.Intent, meta any) event.Event {
	t.Helper()
	ev, err := st.Dispatch(intent, meta)
	require.NoError(t, err)
	return ev
}

func TestSyncRoundTrip(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	stA, a := env.newDevice(t, "a")
	stB, b := env.newDevice(t, "b")

	mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
		ID: "chat-1", Fields: map[string]any{"title": "hello"},
	})
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))

	row, ok, err := stB.GetRow(materialize.TableChats, "chat-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", row.Fields["title"])

	// Cursor advanced: nothing pending on A anymore.
	pending, err := stA.PendingPush(10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSyncConvergesBothWays(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	stA, a := env.newDevice(t, "a")
	stB, b := env.newDevice(t, "b")

	mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
		ID: "chat-1", Fields: map[string]any{"title": "from a"},
	})
	mustDispatch(t, stB, event.CreateProvider, event.EntityMeta{
		ID: "prov-1", Fields: map[string]any{"name": "from b"},
	})

	// Two rounds each so both sides see the other's push.
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))

	for _, st := range []*store.Store{stA, stB} {
		_, ok, err := st.GetRow(materialize.TableChats, "chat-1")
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = st.GetRow(materialize.TableProviders, "prov-1")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestPushCompactsSupersededEvents(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	stA, a := env.newDevice(t, "a")

	mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
		ID: "doomed", Fields: map[string]any{"title": "x"},
	})
	mustDispatch(t, stA, event.UpdateChat, event.EntityMeta{
		ID: "doomed", Fields: map[string]any{"title": "y"},
	})
	mustDispatch(t, stA, event.DeleteChat, event.DeleteMeta{ID: "doomed"})
	mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
		ID: "kept", Fields: map[string]any{"title": "z"},
	})
	require.NoError(t, a.PushPending(ctx))

	// Read the stored payload straight off the relay and decrypt it:
	// the doomed chat's create and update must not have left the
	// device, the delete and the surviving create must have.
	resp, err := http.Get(fmt.Sprintf("%s/messages?accountId=%s", env.relay.URL, a.AccountID()))
	require.NoError(t, err)
	defer resp.Body.Close()
	var page wire.PullResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Events, 1)

	plain, err := cryptobox.Open(env.key, page.Events[0].Data)
	require.NoError(t, err)
	batch, err := wire.DecodeBatch(plain)
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	require.Equal(t, event.DeleteChat, batch.Events[0].Intent)
	require.Equal(t, event.CreateChat, batch.Events[1].Intent)
}

func TestPullWalksAllPages(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	stA, a := env.newDevice(t, "a")

	for i := 0; i < 3; i++ {
		mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
			ID: fmt.Sprintf("chat-%d", i), Fields: map[string]any{"n": i},
		})
		// One push per event so the relay holds three payloads.
		require.NoError(t, a.PushPending(ctx))
	}

	stB, err := store.Open(filepath.Join(t.TempDir(), "b.db"))
	require.NoError(t, err)
	defer stB.Close()
	b, err := New(Options{
		Store:    stB,
		RelayURL: env.relay.URL,
		Keypair:  env.kp,
		Key:      env.key,
		PageSize: 1,
	})
	require.NoError(t, err)
	require.NoError(t, b.Pull(ctx))

	rows, err := stB.ListRows(materialize.TableChats)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestPullRejectsWrongKey(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	stA, a := env.newDevice(t, "a")
	mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
		ID: "chat-1", Fields: map[string]any{"title": "secret"},
	})
	require.NoError(t, a.PushPending(ctx))

	stB, err := store.Open(filepath.Join(t.TempDir(), "b.db"))
	require.NoError(t, err)
	defer stB.Close()
	wrongKey, err := cryptobox.NewKey()
	require.NoError(t, err)
	b, err := New(Options{
		Store:    stB,
		RelayURL: env.relay.URL,
		Keypair:  env.kp,
		Key:      wrongKey,
	})
	require.NoError(t, err)
	require.ErrorIs(t, b.Pull(ctx), cryptobox.ErrDecrypt)

	// Nothing partial landed.
	rows, err := stB.ListRows(materialize.TableChats)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestPullIsIdempotent(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	stA, a := env.newDevice(t, "a")
	stB, b := env.newDevice(t, "b")

	mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
		ID: "chat-1", Fields: map[string]any{"title": "once"},
	})
	require.NoError(t, a.PushPending(ctx))

	require.NoError(t, b.Pull(ctx))
	countAfterFirst, err := stB.Count()
	require.NoError(t, err)
	require.NoError(t, b.Pull(ctx))
	countAfterSecond, err := stB.Count()
	require.NoError(t, err)
	require.Equal(t, countAfterFirst, countAfterSecond)
}

func TestDeleteRemote(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	stA, a := env.newDevice(t, "a")
	mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
		ID: "chat-1", Fields: map[string]any{"title": "x"},
	})
	require.NoError(t, a.PushPending(ctx))

	deleted, err := a.DeleteRemote(ctx, "", "", "")
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	// A fresh device now pulls nothing.
	stB, b := env.newDevice(t, "b")
	require.NoError(t, b.Pull(ctx))
	rows, err := stB.ListRows(materialize.TableChats)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLiveChannelDeliversRemoteEvents(t *testing.T) {
	env := newSyncEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stA, a := env.newDevice(t, "a")
	stB, b := env.newDevice(t, "b")

	go b.Run(ctx)
	waitFor(t, 5*time.Second, func() bool { return b.State() == StateConnected })

	mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
		ID: "chat-live", Fields: map[string]any{"title": "pushed while b listens"},
	})
	require.NoError(t, a.PushPending(ctx))

	waitFor(t, 5*time.Second, func() bool {
		_, ok, err := stB.GetRow(materialize.TableChats, "chat-live")
		return err == nil && ok
	})
}

func TestLiveChannelPushesLocalChanges(t *testing.T) {
	env := newSyncEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stA, a := env.newDevice(t, "a")
	stB, b := env.newDevice(t, "b")

	go a.Run(ctx)
	go b.Run(ctx)
	waitFor(t, 5*time.Second, func() bool {
		return a.State() == StateConnected && b.State() == StateConnected
	})

	// Dispatch on A; the subscription pushes it, the hub fans it out,
	// and B merges it without any explicit sync call.
	mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
		ID: "chat-auto", Fields: map[string]any{"title": "subscribed"},
	})

	waitFor(t, 5*time.Second, func() bool {
		_, ok, err := stB.GetRow(materialize.TableChats, "chat-auto")
		return err == nil && ok
	})
}

func TestOfflineTearsDownLiveChannel(t *testing.T) {
	env := newSyncEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, b := env.newDevice(t, "b")
	go b.Run(ctx)
	waitFor(t, 5*time.Second, func() bool { return b.State() == StateConnected })

	b.SetOnline(false)
	waitFor(t, 5*time.Second, func() bool { return b.State() == StateDisconnected })

	b.SetOnline(true)
	waitFor(t, 5*time.Second, func() bool { return b.State() == StateConnected })
}

func TestBacklogReplayOnConnect(t *testing.T) {
	env := newSyncEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stA, a := env.newDevice(t, "a")
	mustDispatch(t, stA, event.CreateChat, event.EntityMeta{
		ID: "chat-backlog", Fields: map[string]any{"title": "pushed before b connects"},
	})
	require.NoError(t, a.PushPending(ctx))

	stB, b := env.newDevice(t, "b")
	go b.Run(ctx)
	waitFor(t, 5*time.Second, func() bool {
		_, ok, err := stB.GetRow(materialize.TableChats, "chat-backlog")
		return err == nil && ok
	})
}

func TestUnreachableRelayIsTransportError(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()
	st, c := env.newDevice(t, "a")
	mustDispatch(t, st, event.CreateChat, event.EntityMeta{ID: "c1", Fields: map[string]any{"title": "draft"}})

	// Shut the relay down; every transfer now fails at the socket.
	env.relay.Close()

	require.ErrorIs(t, c.Pull(ctx), ErrTransport)
	require.ErrorIs(t, c.PushPending(ctx), ErrTransport)

	// Nothing was lost locally: the event is still pending.
	pending, err := st.PendingPush(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
