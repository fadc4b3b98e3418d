package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256

	backfillPage = sendBuffer / 2
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled by the main server
		return true
	},
}

// Hub fans committed audit-log events out to WebSocket clients by channel:
//
//	events          every event
//	orders          Order, Cancelled and Trade
//	trades          Trade
//	account:<addr>  events that change <addr>'s balances or orders
//
// It is an events.Sink. Each client sees a channel's events exactly once
// and in seq order, backfill included. Publishing never blocks: a client
// whose buffer is full is disconnected rather than skipped.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	closed  bool

	history func(since uint64, limit int) []events.Event
	logger  *zap.Logger
}

func NewHub(history func(since uint64, limit int) []events.Event, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*Client]bool),
		history: history,
		logger:  logger,
	}
}

func (h *Hub) Publish(_ context.Context, e events.Event) error {
	chans := channelsFor(e)
	msgs := make(map[string][]byte, len(chans))
	for _, ch := range chans {
		m, err := json.Marshal(WSMessage{Type: "event", Channel: ch, Data: e})
		if err != nil {
			return err
		}
		msgs[ch] = m
	}

	var slow []*Client
	h.mu.RLock()
clients:
	for client := range h.clients {
		for _, ch := range chans {
			if !client.wants(ch, e.Seq) {
				continue
			}
			select {
			case client.send <- msgs[ch]:
			default:
				slow = append(slow, client)
				continue clients
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.unregister(c, "ws_client_too_slow")
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	h.logger.Info("ws_client_connected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
	return true
}

func (h *Hub) unregister(c *Client, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, reason)
}

func (h *Hub) removeLocked(c *Client, reason string) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info(reason, zap.String("client", c.id), zap.Int("total", len(h.clients)))
	}
}

// deliverLocked queues data for c, disconnecting c if its buffer is full.
// It reports whether c is still connected.
func (h *Hub) deliverLocked(c *Client, data any) bool {
	if !h.clients[c] {
		return false
	}
	message, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("ws_marshal_failed", zap.Error(err))
		return true
	}
	select {
	case c.send <- message:
		return true
	default:
		h.removeLocked(c, "ws_client_too_slow")
		return false
	}
}

func (h *Hub) reply(c *Client, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(c, data)
}

func (h *Hub) handle(c *Client, req WSSubscribeRequest) {
	channels := make([]string, 0, len(req.Channels))
	for _, raw := range req.Channels {
		ch, err := normalizeChannel(raw)
		if err != nil {
			h.reply(c, newAck("error", nil, err.Error()))
			return
		}
		channels = append(channels, ch)
	}

	switch req.Op {
	case "subscribe":
		h.subscribe(c, channels, req.Since)
	case "unsubscribe":
		h.mu.Lock()
		for _, ch := range channels {
			delete(c.subscriptions, ch)
		}
		h.deliverLocked(c, newAck("unsubscribed", channels, ""))
		h.mu.Unlock()
	default:
		h.reply(c, newAck("error", nil, fmt.Sprintf("unknown op %q", req.Op)))
	}
}

// subscribe activates channels for c. With since set, the stored events
// after since are sent first. The history read and the activation happen
// under the write lock, which Publish cannot enter, so live delivery
// resumes exactly after the last backfilled seq. When more history remains
// than one page, channels stay inactive and the ack carries the cursor to
// subscribe from next.
func (h *Hub) subscribe(c *Client, channels []string, since *uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}

	if since == nil || h.history == nil {
		for _, ch := range channels {
			c.subscriptions[ch] = 0
		}
		h.deliverLocked(c, newAck("subscribed", channels, ""))
		return
	}

	page := h.history(*since, backfillPage+1)
	more := len(page) > backfillPage
	if more {
		page = page[:backfillPage]
	}
	floor := *since
	if len(page) > 0 {
		floor = page[len(page)-1].Seq
	}

	ack := newAck("subscribed", channels, "")
	if more {
		ack = newAck("backfill", channels, "more history remains; subscribe again with since=next")
		ack.More = true
		ack.Next = floor
	} else {
		for _, ch := range channels {
			c.subscriptions[ch] = floor
		}
	}
	if !h.deliverLocked(c, ack) {
		return
	}

	want := make(map[string]bool, len(channels))
	for _, ch := range channels {
		want[ch] = true
	}
	for _, e := range page {
		for _, ch := range channelsFor(e) {
			if want[ch] && !h.deliverLocked(c, WSMessage{Type: "event", Channel: ch, Data: e}) {
				return
			}
		}
	}
	h.logger.Debug("ws_backfilled",
		zap.String("client", c.id),
		zap.Int("events", len(page)),
		zap.Bool("more", more))
}

func channelsFor(e events.Event) []string {
	chans := []string{"events"}
	switch e.Kind {
	case events.KindTrade:
		chans = append(chans, "orders", "trades")
	case events.KindOrder, events.KindCancelled:
		chans = append(chans, "orders")
	}
	seen := make(map[common.Address]bool)
	for _, a := range e.Accounts() {
		if !seen[a] {
			seen[a] = true
			chans = append(chans, "account:"+a.Hex())
		}
	}
	return chans
}

// normalizeChannel checksums account addresses so subscriptions match
// whatever case the client used.
func normalizeChannel(ch string) (string, error) {
	switch ch {
	case "events", "orders", "trades":
		return ch, nil
	}
	if addr, ok := strings.CutPrefix(ch, "account:"); ok && common.IsHexAddress(addr) {
		return "account:" + common.HexToAddress(addr).Hex(), nil
	}
	return "", fmt.Errorf("unknown channel %q", ch)
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// channel -> highest seq already delivered by backfill; guarded by hub.mu
	subscriptions map[string]uint64
}

func (c *Client) wants(channel string, seq uint64) bool {
	floor, ok := c.subscriptions[channel]
	return ok && seq > floor
}

// readPump reads subscription requests until the connection closes
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c, "ws_client_disconnected")
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("ws_read_error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.reply(c, newAck("error", nil, "invalid message"))
			continue
		}
		c.hub.handle(c, req)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            uuid.NewString(),
		subscriptions: make(map[string]uint64),
	}
	if !s.hub.register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

var _ events.Sink = (*Hub)(nil)
