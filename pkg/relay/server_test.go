package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/driftsync/pkg/cryptobox"
	"github.com/daviddao/driftsync/pkg/hlc"
	"github.com/daviddao/driftsync/pkg/wire"
)

type testRelay struct {
	srv  *Server
	http *httptest.Server
}

func newTestRelay(t *testing.T, opts Options) *testRelay {
	t.Helper()
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(t.TempDir(), "relay.db")
	}
	srv, err := New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &testRelay{srv: srv, http: ts}
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
}

type testAccount struct {
	kp  *cryptobox.Keypair
	key []byte
	id  string
}

func newTestAccount(t *testing.T) testAccount {
	t.Helper()
	kp, err := cryptobox.NewKeypair()
	require.NoError(t, err)
	key, err := cryptobox.NewKey()
	require.NoError(t, err)
	return testAccount{kp: kp, key: key, id: kp.AccountID()}
}

// sealedPush builds a signed push request whose payload decrypts to a
// batch with the given marker, so distinct markers produce distinct
// ciphertext bytes.
func (a testAccount) sealedPush(t *testing.T, clientID, marker string) wire.PushRequest {
	t.Helper()
	plain, err := wire.EncodeBatch(wire.Batch{ClientID: clientID})
	require.NoError(t, err)
	sealed, err := cryptobox.Seal(a.key, append(plain, []byte(marker)...))
	require.NoError(t, err)
	return wire.PushRequest{
		AccountID: a.id,
		ClientID:  clientID,
		Data:      sealed,
		Signature: a.kp.Sign(sealed),
	}
}

func postPush(t *testing.T, r *testRelay, req wire.PushRequest) (*http.Response, wire.PushResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(r.http.URL+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out wire.PushResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func getPull(t *testing.T, r *testRelay, accountID, after, clientID string, pageSize int) wire.PullResponse {
	t.Helper()
	url := fmt.Sprintf("%s/messages?accountId=%s&after=%s&clientId=%s&pageSize=%d",
		r.http.URL, accountID, after, clientID, pageSize)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out wire.PullResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPushAssignsOrderedTimestamps(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)

	var last string
	for i := 0; i < 5; i++ {
		resp, out := postPush(t, r, acct.sealedPush(t, "c1", fmt.Sprintf("m%d", i)))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, func() error { _, err := hlc.Parse(out.Timestamp); return err }())
		require.Greater(t, out.Timestamp, last)
		last = out.Timestamp
	}
}

func TestDuplicatePushAbsorbed(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)
	req := acct.sealedPush(t, "c1", "once")

	resp, first := postPush(t, r, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, second := postPush(t, r, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, first.Timestamp, second.Timestamp)

	pull := getPull(t, r, acct.id, "", "", 10)
	require.Len(t, pull.Events, 1)
	require.False(t, pull.HasMore)
}

func TestPushRejectsForeignSignature(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)
	other := newTestAccount(t)

	req := acct.sealedPush(t, "c1", "m")
	req.AccountID = other.id
	resp, _ := postPush(t, r, req)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPullPagination(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)
	for i := 0; i < 5; i++ {
		resp, _ := postPush(t, r, acct.sealedPush(t, "pusher", fmt.Sprintf("m%d", i)))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var got int
	after := ""
	for page := 0; ; page++ {
		pull := getPull(t, r, acct.id, after, "", 2)
		got += len(pull.Events)
		for i := 1; i < len(pull.Events); i++ {
			require.Greater(t, pull.Events[i].SyncedAt, pull.Events[i-1].SyncedAt)
		}
		if !pull.HasMore {
			require.Len(t, pull.Events, 1)
			break
		}
		require.Len(t, pull.Events, 2)
		require.Less(t, page, 3)
		after = pull.NextAfter
	}
	require.Equal(t, 5, got)
}

func TestPullExactPageBoundary(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)
	for i := 0; i < 4; i++ {
		resp, _ := postPush(t, r, acct.sealedPush(t, "pusher", fmt.Sprintf("m%d", i)))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// 4 payloads with pageSize 4: full page, no further page.
	pull := getPull(t, r, acct.id, "", "", 4)
	require.Len(t, pull.Events, 4)
	require.False(t, pull.HasMore)
}

func TestPullExcludesOwnClient(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)
	postPush(t, r, acct.sealedPush(t, "mine", "a"))
	postPush(t, r, acct.sealedPush(t, "theirs", "b"))

	pull := getPull(t, r, acct.id, "", "mine", 10)
	require.Len(t, pull.Events, 1)
}

func TestDeleteMessagesFilters(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)
	postPush(t, r, acct.sealedPush(t, "c1", "a"))
	postPush(t, r, acct.sealedPush(t, "c2", "b"))

	body, err := json.Marshal(wire.DeleteRequest{AccountID: acct.id, ClientID: "c1"})
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodDelete, r.http.URL+"/messages", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out wire.DeleteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, int64(1), out.Deleted)

	pull := getPull(t, r, acct.id, "", "", 10)
	require.Len(t, pull.Events, 1)
}

func TestDeleteAccountRemovesEverything(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)
	postPush(t, r, acct.sealedPush(t, "c1", "a"))
	postPush(t, r, acct.sealedPush(t, "c1", "b"))

	httpReq, err := http.NewRequest(http.MethodDelete, r.http.URL+"/account?accountId="+acct.id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pull := getPull(t, r, acct.id, "", "", 10)
	require.Empty(t, pull.Events)
}

func TestTimestampsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")
	acct := newTestAccount(t)

	srv, err := New(Options{DBPath: dbPath})
	require.NoError(t, err)
	ts1 := httptest.NewServer(srv.Handler())
	resp, first := postPush(t, &testRelay{srv: srv, http: ts1}, acct.sealedPush(t, "c1", "a"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ts1.Close()
	require.NoError(t, srv.Close())

	srv2, err := New(Options{DBPath: dbPath})
	require.NoError(t, err)
	ts2 := httptest.NewServer(srv2.Handler())
	defer ts2.Close()
	defer srv2.Close()
	resp, second := postPush(t, &testRelay{srv: srv2, http: ts2}, acct.sealedPush(t, "c1", "b"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Greater(t, second.Timestamp, first.Timestamp)
}

func readFrame(t *testing.T, sock *websocket.Conn) wire.Frame {
	t.Helper()
	sock.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, buf, err := sock.ReadMessage()
	require.NoError(t, err)
	var f wire.Frame
	require.NoError(t, json.Unmarshal(buf, &f))
	return f
}

func dialWS(t *testing.T, r *testRelay, accountID, clientID, lastSyncedAt string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("%s?accountId=%s&clientId=%s&lastSyncedAt=%s",
		r.wsURL(), accountID, clientID, lastSyncedAt)
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return sock
}

func TestWSInfoAndBacklog(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)
	_, stored := postPush(t, r, acct.sealedPush(t, "other", "backlog"))

	sock := dialWS(t, r, acct.id, "c1", "")

	info := readFrame(t, sock)
	require.Equal(t, wire.FrameInfo, info.Type)
	require.NotEmpty(t, info.ID)
	require.Equal(t, 1, r.srv.hub.connCount(acct.id))

	backlog := readFrame(t, sock)
	require.Equal(t, wire.FrameNewEvents, backlog.Type)
	require.Len(t, backlog.Events, 1)
	require.Equal(t, stored.Timestamp, backlog.Events[0].SyncedAt)
}

func TestWSBacklogSkipsAlreadySynced(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)
	_, old := postPush(t, r, acct.sealedPush(t, "other", "old"))
	_, fresh := postPush(t, r, acct.sealedPush(t, "other", "fresh"))

	sock := dialWS(t, r, acct.id, "c1", old.Timestamp)
	require.Equal(t, wire.FrameInfo, readFrame(t, sock).Type)

	backlog := readFrame(t, sock)
	require.Len(t, backlog.Events, 1)
	require.Equal(t, fresh.Timestamp, backlog.Events[0].SyncedAt)
}

func TestWSPushAckAndFanout(t *testing.T) {
	r := newTestRelay(t, Options{})
	acct := newTestAccount(t)

	origin := dialWS(t, r, acct.id, "origin", "")
	require.Equal(t, wire.FrameInfo, readFrame(t, origin).Type)
	peer := dialWS(t, r, acct.id, "peer", "")
	require.Equal(t, wire.FrameInfo, readFrame(t, peer).Type)

	req := acct.sealedPush(t, "origin", "live")
	buf, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, origin.WriteMessage(websocket.TextMessage, buf))

	ack := readFrame(t, origin)
	require.Equal(t, wire.FrameGotEvents, ack.Type)
	require.Equal(t, 1, ack.Count)
	require.NotEmpty(t, ack.Timestamp)

	live := readFrame(t, peer)
	require.Equal(t, wire.FrameNewEvents, live.Type)
	require.Len(t, live.Events, 1)
	require.Equal(t, ack.Timestamp, live.Events[0].SyncedAt)
	require.Equal(t, req.Data, live.Events[0].Data)
}

func TestBearerAuth(t *testing.T) {
	r := newTestRelay(t, Options{TokenSecret: []byte("test-secret")})
	acct := newTestAccount(t)
	other := newTestAccount(t)

	body, err := json.Marshal(acct.sealedPush(t, "c1", "m"))
	require.NoError(t, err)

	// No token.
	resp, err := http.Post(r.http.URL+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Token for a different account.
	req, err := http.NewRequest(http.MethodPost, r.http.URL+"/messages", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+r.srv.Tokens().Issue(other.id))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Matching token.
	req, err = http.NewRequest(http.MethodPost, r.http.URL+"/messages", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+r.srv.Tokens().Issue(acct.id))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTokenServiceRejectsForgery(t *testing.T) {
	ts := NewTokenService([]byte("secret-a"), time.Hour)
	token := ts.Issue("acct")

	got, err := ts.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "acct", got)

	_, err = ts.Validate(token + "x")
	require.ErrorIs(t, err, ErrBadToken)

	forged := NewTokenService([]byte("secret-b"), time.Hour).Issue("acct")
	_, err = ts.Validate(forged)
	require.ErrorIs(t, err, ErrBadToken)

	expired := NewTokenService([]byte("secret-a"), -time.Hour).Issue("acct")
	_, err = ts.Validate(expired)
	require.ErrorIs(t, err, ErrBadToken)
}
