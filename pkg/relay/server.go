// Package relay implements the untrusted sync endpoint. Clients push
// sealed payloads here and pull them back; the relay stores and fans
// out ciphertext it can not read, assigning server-side timestamps
// from its own hybrid logical clock so pulls page in a stable order.
package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/daviddao/driftsync/pkg/cryptobox"
	"github.com/daviddao/driftsync/pkg/hlc"
	"github.com/daviddao/driftsync/pkg/wire"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Options configures a Server.
type Options struct {
	DBPath string
	// TokenSecret enables bearer auth when non-empty.
	TokenSecret []byte
	TokenTTL    time.Duration
}

// Server is the relay: blob store, clock, hub, and HTTP surface.
type Server struct {
	store  *BlobStore
	hub    *Hub
	tokens *TokenService

	clockMu sync.Mutex
	clock   hlc.Clock

	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// New opens the blob store and prepares routes. The clock gets a fresh
// replica id each process; receiving the highest persisted timestamp
// restores monotonicity across restarts.
func New(opts Options) (*Server, error) {
	store, err := OpenBlobStore(opts.DBPath)
	if err != nil {
		return nil, err
	}
	clock := hlc.New("relay-" + uuid.NewString()[:8])
	if maxTS, err := store.MaxTimestamp(); err == nil && maxTS != "" {
		if prev, perr := hlc.Parse(maxTS); perr == nil {
			clock = clock.Receive(prev, time.Now())
		}
	}

	s := &Server{
		store: store,
		hub:   NewHub(),
		clock: clock,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if len(opts.TokenSecret) > 0 {
		s.tokens = NewTokenService(opts.TokenSecret, opts.TokenTTL)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if s.tokens != nil {
		r.Use(s.authMiddleware())
	}
	r.POST("/messages", s.handlePush)
	r.GET("/messages", s.handlePull)
	r.DELETE("/messages", s.handleDeleteMessages)
	r.DELETE("/account", s.handleDeleteAccount)
	r.GET("/ws", s.handleWS)
	s.engine = r
	return s, nil
}

// Handler exposes the HTTP surface, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Tokens returns the token service, or nil when auth is disabled.
func (s *Server) Tokens() *TokenService { return s.tokens }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	log.Info("relay listening", "addr", addr)
	return s.engine.Run(addr)
}

// Close releases the blob store.
func (s *Server) Close() error { return s.store.Close() }

func (s *Server) nextTimestamp() string {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.clock = s.clock.Increment(time.Now())
	return s.clock.String()
}

// authMiddleware requires a valid bearer token whose account matches
// the accountId the request operates on.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		accountID, err := s.tokens.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
		c.Set("tokenAccount", accountID)
		c.Next()
	}
}

func (s *Server) accountAllowed(c *gin.Context, accountID string) bool {
	if s.tokens == nil {
		return true
	}
	granted, _ := c.Get("tokenAccount")
	return granted == accountID
}

// push is the one ingestion path, shared by POST /messages and the
// inbound WebSocket direction. It verifies the signature against the
// claimed account, stores the payload, and notifies other live
// connections. A byte-identical resubmission is answered with the
// original timestamp and not re-broadcast.
func (s *Server) push(req wire.PushRequest, originClient, originConn string) (wire.PushResponse, error) {
	recovered, err := cryptobox.RecoverAccountID(req.Data, req.Signature)
	if err != nil {
		return wire.PushResponse{}, err
	}
	if recovered != req.AccountID {
		return wire.PushResponse{}, cryptobox.ErrSignatureMismatch
	}

	ts := s.nextTimestamp()
	stored, inserted, err := s.store.Insert(req.AccountID, req.ClientID, req.Data, req.Signature, ts)
	if err != nil {
		return wire.PushResponse{}, err
	}
	if inserted {
		frame := wire.Frame{
			Type:      wire.FrameNewEvents,
			Events:    []wire.StoredBlob{{Data: req.Data, Signature: req.Signature, SyncedAt: stored}},
			Timestamp: stored,
		}
		if originConn != "" {
			s.hub.broadcast(req.AccountID, frame, originConn)
		} else {
			s.hub.broadcastExceptClient(req.AccountID, frame, originClient)
		}
	}
	return wire.PushResponse{Timestamp: stored}, nil
}

func (s *Server) handlePush(c *gin.Context) {
	var req wire.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed push"})
		return
	}
	if req.AccountID == "" || req.ClientID == "" || len(req.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId, clientId and data are required"})
		return
	}
	if !s.accountAllowed(c, req.AccountID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not grant this account"})
		return
	}
	resp, err := s.push(req, req.ClientID, "")
	if err != nil {
		if errors.Is(err, cryptobox.ErrSignatureMismatch) {
			c.JSON(http.StatusForbidden, gin.H{"error": "signature does not match account"})
			return
		}
		log.Error("push failed", "account", req.AccountID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePull(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
		return
	}
	if !s.accountAllowed(c, accountID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not grant this account"})
		return
	}
	after := c.Query("after")
	excludeClient := c.Query("clientId")
	pageSize := defaultPageSize
	if raw := c.Query("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad pageSize"})
			return
		}
		pageSize = min(n, maxPageSize)
	}

	blobs, hasMore, err := s.store.Page(accountID, after, excludeClient, pageSize)
	if err != nil {
		log.Error("pull failed", "account", accountID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	resp := wire.PullResponse{
		Events:   make([]wire.StoredBlob, 0, len(blobs)),
		HasMore:  hasMore,
		PageSize: pageSize,
	}
	for _, b := range blobs {
		resp.Events = append(resp.Events, wire.StoredBlob{Data: b.Data, Signature: b.Signature, SyncedAt: b.Timestamp})
		resp.NextAfter = b.Timestamp
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteMessages(c *gin.Context) {
	var req wire.DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed delete"})
		return
	}
	if req.AccountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
		return
	}
	if !s.accountAllowed(c, req.AccountID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not grant this account"})
		return
	}
	deleted, err := s.store.Delete(req.AccountID, req.ClientID, req.After, req.Before)
	if err != nil {
		log.Error("delete failed", "account", req.AccountID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, wire.DeleteResponse{Deleted: deleted})
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
		return
	}
	if !s.accountAllowed(c, accountID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not grant this account"})
		return
	}
	deleted, err := s.store.DeleteAccount(accountID)
	if err != nil {
		log.Error("account delete failed", "account", accountID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, wire.DeleteResponse{Deleted: deleted})
}

// handleWS upgrades the connection, replays backlog since
// lastSyncedAt, then keeps the socket registered for live frames.
// Inbound messages are push requests sharing the HTTP push path; the
// origin connection receives a got_events ack instead of the
// broadcast.
func (s *Server) handleWS(c *gin.Context) {
	accountID := c.Query("accountId")
	clientID := c.Query("clientId")
	if accountID == "" || clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId and clientId are required"})
		return
	}
	if !s.accountAllowed(c, accountID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not grant this account"})
		return
	}
	lastSyncedAt := c.Query("lastSyncedAt")

	sock, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug("ws upgrade failed", "err", err)
		return
	}
	conn := newWSConn(sock, accountID, clientID)
	s.hub.register(conn)
	defer func() {
		s.hub.unregister(conn)
		sock.Close()
	}()
	log.Debug("ws open", "conn", conn.id, "account", accountID, "client", clientID)

	if err := conn.sendFrame(wire.Frame{Type: wire.FrameInfo, ID: conn.id}); err != nil {
		return
	}
	if err := s.replayBacklog(conn, lastSyncedAt); err != nil {
		log.Debug("backlog replay failed", "conn", conn.id, "err", err)
		return
	}

	for {
		_, buf, err := sock.ReadMessage()
		if err != nil {
			log.Debug("ws closed", "conn", conn.id, "err", err)
			return
		}
		var req wire.PushRequest
		if err := json.Unmarshal(buf, &req); err != nil {
			conn.sendFrame(wire.Frame{Type: wire.FrameGotEvents, ID: conn.id})
			continue
		}
		if req.AccountID != accountID {
			log.Debug("ws push for foreign account", "conn", conn.id)
			return
		}
		resp, err := s.push(req, clientID, conn.id)
		if err != nil {
			log.Debug("ws push rejected", "conn", conn.id, "err", err)
			return
		}
		ack := wire.Frame{
			Type:      wire.FrameGotEvents,
			ID:        conn.id,
			Count:     1,
			Timestamp: resp.Timestamp,
		}
		if err := conn.sendFrame(ack); err != nil {
			return
		}
	}
}

// replayBacklog pages stored payloads newer than since to a fresh
// connection before it goes live.
func (s *Server) replayBacklog(conn *wsConn, since string) error {
	after := since
	for {
		blobs, hasMore, err := s.store.Page(conn.accountID, after, conn.clientID, defaultPageSize)
		if err != nil {
			return err
		}
		if len(blobs) == 0 {
			return nil
		}
		frame := wire.Frame{Type: wire.FrameNewEvents, ID: conn.id, Events: make([]wire.StoredBlob, 0, len(blobs))}
		for _, b := range blobs {
			frame.Events = append(frame.Events, wire.StoredBlob{Data: b.Data, Signature: b.Signature, SyncedAt: b.Timestamp})
			after = b.Timestamp
		}
		frame.Timestamp = after
		if err := conn.sendFrame(frame); err != nil {
			return err
		}
		if !hasMore {
			return nil
		}
	}
}
