package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/daviddao/driftsync/pkg/wire"
)

const writeTimeout = 10 * time.Second

// wsConn is one live websocket subscriber. Writes are serialized
// through writeMu because gorilla connections allow a single
// concurrent writer.
type wsConn struct {
	id        string
	accountID string
	clientID  string
	sock      *websocket.Conn
	writeMu   sync.Mutex
}

func newWSConn(sock *websocket.Conn, accountID, clientID string) *wsConn {
	return &wsConn{
		id:        uuid.NewString(),
		accountID: accountID,
		clientID:  clientID,
		sock:      sock,
	}
}

func (c *wsConn) sendFrame(f wire.Frame) error {
	buf, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.sock.WriteMessage(websocket.TextMessage, buf)
}

// Hub tracks live connections per account and fans frames out to
// them. Delivery is best effort: a connection that fails a write is
// dropped and relies on the pull path to catch up.
type Hub struct {
	mu    sync.Mutex
	conns map[string]map[*wsConn]bool
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*wsConn]bool)}
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.accountID]
	if !ok {
		set = make(map[*wsConn]bool)
		h.conns[c.accountID] = set
	}
	set[c] = true
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.accountID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.accountID)
	}
}

// broadcast sends a frame to every live connection of the account
// except the one identified by exceptID (use "" to reach all).
func (h *Hub) broadcast(accountID string, f wire.Frame, exceptID string) {
	h.mu.Lock()
	targets := make([]*wsConn, 0, len(h.conns[accountID]))
	for c := range h.conns[accountID] {
		if c.id != exceptID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.sendFrame(f); err != nil {
			log.Debug("dropping slow subscriber", "conn", c.id, "err", err)
			c.sock.Close()
			h.unregister(c)
		}
	}
}

// broadcastExceptClient reaches every connection of the account not
// held by the given client id. Used for pushes arriving over HTTP,
// where no originating connection exists but the pushing client may
// still hold a live channel it should not be echoed on.
func (h *Hub) broadcastExceptClient(accountID string, f wire.Frame, clientID string) {
	h.mu.Lock()
	targets := make([]*wsConn, 0, len(h.conns[accountID]))
	for c := range h.conns[accountID] {
		if c.clientID != clientID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.sendFrame(f); err != nil {
			log.Debug("dropping slow subscriber", "conn", c.id, "err", err)
			c.sock.Close()
			h.unregister(c)
		}
	}
}

// connCount reports live connections for an account.
func (h *Hub) connCount(accountID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[accountID])
}
