package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/util"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced by the REST handler
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans committed events out to websocket sessions by channel
//
// Channels are "orders:<market>", "positions:<user>" and "funding:<market>".
// The hub keeps a channel → sessions index so a publish only touches the
// sessions that asked for it.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*session]struct{}
	channels map[string]map[*session]struct{}
	closed   bool

	log *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		sessions: make(map[*session]struct{}),
		channels: make(map[string]map[*session]struct{}),
		log:      util.SugarOrNop(log),
	}
}

// Run blocks until ctx ends, then drops every session
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for s := range h.sessions {
		close(s.send)
	}
	h.sessions = make(map[*session]struct{})
	h.channels = make(map[string]map[*session]struct{})
	h.mu.Unlock()
}

// Clients returns the number of connected sessions
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Subscribers returns how many sessions listen on channel
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Channels lists the subscription channels an event is pushed on
func Channels(e events.Event) []string {
	switch e.Type {
	case events.FundingSettled:
		return []string{"funding:" + e.Market, "positions:" + e.User.Hex()}
	case events.PositionLiquidated:
		return []string{"positions:" + e.User.Hex(), "orders:" + e.Market}
	case events.OrderExecuted:
		return []string{"orders:" + e.Market, "positions:" + e.User.Hex()}
	default:
		return []string{"orders:" + e.Market}
	}
}

// normalizeChannel validates a client-supplied channel name; user addresses
// are rewritten to checksum form so they match Channels
func normalizeChannel(ch string) (string, error) {
	kind, arg, ok := strings.Cut(ch, ":")
	if !ok || arg == "" {
		return "", fmt.Errorf("channel %q: want <kind>:<key>", ch)
	}
	switch kind {
	case "orders", "funding":
		return ch, nil
	case "positions":
		if !common.IsHexAddress(arg) {
			return "", fmt.Errorf("channel %q: invalid address", ch)
		}
		return "positions:" + common.HexToAddress(arg).Hex(), nil
	default:
		return "", fmt.Errorf("channel %q: unknown kind %q", ch, kind)
	}
}

// Publish implements events.Sink
func (h *Hub) Publish(evs []events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for _, e := range evs {
		for _, ch := range Channels(e) {
			subs := h.channels[ch]
			if len(subs) == 0 {
				continue
			}
			msg, err := json.Marshal(WSMessage{Channel: ch, Event: e})
			if err != nil {
				h.log.Warnw("ws_marshal_failed", "channel", ch, "seq", e.Seq, "err", err)
				continue
			}
			for s := range subs {
				select {
				case s.send <- msg:
				default:
					h.log.Warnw("ws_client_lagging", "client", s.id, "channel", ch, "seq", e.Seq)
				}
			}
		}
	}
}

func (h *Hub) add(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	h.log.Debugw("ws_client_connected", "client", s.id, "total", len(h.sessions))
	return true
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	for ch, subs := range h.channels {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.channels, ch)
		}
	}
	close(s.send)
	h.log.Debugw("ws_client_disconnected", "client", s.id, "total", len(h.sessions))
}

func (h *Hub) subscribe(s *session, ch string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	subs := h.channels[ch]
	if subs == nil {
		subs = make(map[*session]struct{})
		h.channels[ch] = subs
	}
	subs[s] = struct{}{}
}

func (h *Hub) unsubscribe(s *session, ch string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.channels[ch]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.channels, ch)
		}
	}
}

// session is one websocket connection; send is closed by the hub only
type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// reply queues a direct message to this session, dropping it if full
func (s *session) reply(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	if _, ok := s.hub.sessions[s]; !ok {
		return
	}
	select {
	case s.send <- msg:
	default:
	}
}

func (s *session) readLoop() {
	defer func() {
		s.hub.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var req WSSubscribeRequest
		if err := s.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.log.Debugw("ws_read_error", "client", s.id, "err", err)
			}
			var syntax *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typ) {
				s.reply(WSError{Error: "invalid message"})
				continue
			}
			return
		}

		var apply func(*session, string)
		switch req.Op {
		case "subscribe":
			apply = s.hub.subscribe
		case "unsubscribe":
			apply = s.hub.unsubscribe
		default:
			s.reply(WSError{Error: fmt.Sprintf("unknown op %q", req.Op)})
			continue
		}
		for _, raw := range req.Channels {
			ch, err := normalizeChannel(raw)
			if err != nil {
				s.reply(WSError{Error: err.Error()})
				continue
			}
			apply(s, ch)
		}
	}
}

// writeLoop drains send and keeps the connection alive with pings; queued
// messages are coalesced into one frame separated by newlines
func (s *session) writeLoop() {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			for i, n := 0, len(s.send); i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-s.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and attaches a session to the hub
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("ws_upgrade_failed", "err", err)
		return
	}
	s := &session{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		id:   conn.RemoteAddr().String(),
	}
	if !h.add(s) {
		conn.Close()
		return
	}
	go s.writeLoop()
	go s.readLoop()
}
