// Package ws WebSocket 深度推送服务
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/internal/service"
	"github.com/exchange/matching/pkg/logger"
)

type Config struct {
	AllowedOrigins          []string
	MaxSubscriptionsPerConn int
	DepthInterval           time.Duration
	DepthLimit              int
}

// Server WebSocket 服务器
type Server struct {
	svc     *service.Service
	log     *logger.Logger
	clients map[*Client]bool
	mu      sync.RWMutex

	upgrader websocket.Upgrader
	cfg      Config
}

// Client WebSocket 客户端
type Client struct {
	conn          *websocket.Conn
	server        *Server
	subscriptions map[string]bool // channel -> subscribed
	send          chan []byte
	mu            sync.Mutex
	closed        chan struct{}
	closeOnce     sync.Once
}

// NewServer 创建 WebSocket 服务器
func NewServer(svc *service.Service, log *logger.Logger, cfg *Config) *Server {
	c := Config{
		AllowedOrigins:          nil,
		MaxSubscriptionsPerConn: 50,
		DepthInterval:           time.Second,
		DepthLimit:              20,
	}
	if cfg != nil {
		if cfg.AllowedOrigins != nil {
			c.AllowedOrigins = cfg.AllowedOrigins
		}
		if cfg.MaxSubscriptionsPerConn > 0 {
			c.MaxSubscriptionsPerConn = cfg.MaxSubscriptionsPerConn
		}
		if cfg.DepthInterval > 0 {
			c.DepthInterval = cfg.DepthInterval
		}
		if cfg.DepthLimit > 0 {
			c.DepthLimit = cfg.DepthLimit
		}
	}
	if log == nil {
		log = logger.New("matching", nil)
	}

	s := &Server{
		svc:     svc,
		log:     log,
		clients: make(map[*Client]bool),
		cfg:     c,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin(r, s.cfg.AllowedOrigins)
		},
	}
	return s
}

// HandleWS 处理 WebSocket 连接
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade error")
		return
	}

	client := &Client{
		conn:          conn,
		server:        s,
		subscriptions: make(map[string]bool),
		send:          make(chan []byte, 256),
		closed:        make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

// WsRequest WebSocket 请求
type WsRequest struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// WsResponse WebSocket 响应
type WsResponse struct {
	Op      string      `json:"op,omitempty"`
	Channel string      `json:"channel,omitempty"`
	Success bool        `json:"success,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// DepthUpdate 深度推送数据
type DepthUpdate struct {
	Symbol    string               `json:"symbol"`
	Bids      []orderbook.PriceQty `json:"bids"`
	Asks      []orderbook.PriceQty `json:"asks"`
	Timestamp int64                `json:"timestamp"`
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.server.removeClient(c)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.WithError(err).Warn("websocket read error")
			}
			break
		}

		var req WsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendError("invalid request")
			continue
		}

		c.handleRequest(&req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(req *WsRequest) {
	switch req.Op {
	case "subscribe":
		c.subscribe(req.Channel)
	case "unsubscribe":
		c.unsubscribe(req.Channel)
	case "ping":
		c.sendResponse(&WsResponse{Op: "pong"})
	default:
		c.sendError("unknown op")
	}
}

func (c *Client) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if channel == "" {
		c.sendError("channel required")
		return
	}
	if len(channel) > 128 {
		c.sendError("channel too long")
		return
	}
	symbol, err := validateChannel(channel)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if _, _, err := c.server.svc.Depth(symbol, 1); err != nil {
		c.sendError("unknown symbol")
		return
	}
	if max := c.server.cfg.MaxSubscriptionsPerConn; max > 0 && len(c.subscriptions) >= max {
		c.sendError("too many subscriptions")
		return
	}

	c.subscriptions[channel] = true
	c.sendResponse(&WsResponse{Op: "subscribe", Channel: channel, Success: true})

	// 立即推送一次快照, 不等下个 tick
	if data, ok := c.server.depthPayload(symbol); ok {
		c.trySend(data)
	}
}

func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subscriptions, channel)
	c.sendResponse(&WsResponse{Op: "unsubscribe", Channel: channel, Success: true})
}

func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[channel]
}

func (c *Client) sendResponse(resp *WsResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(msg string) {
	c.sendResponse(&WsResponse{Error: msg})
}

func (c *Client) trySend(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		// 慢客户端丢弃, 下个 tick 会有新快照
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
}

func (s *Server) depthPayload(symbol string) ([]byte, bool) {
	bids, asks, err := s.svc.Depth(symbol, s.cfg.DepthLimit)
	if err != nil {
		return nil, false
	}
	resp := &WsResponse{
		Channel: "depth." + symbol,
		Data: &DepthUpdate{
			Symbol:    symbol,
			Bids:      bids,
			Asks:      asks,
			Timestamp: time.Now().UnixNano(),
		},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, false
	}
	return data, true
}

// RunPusher 周期性向订阅者推送深度快照, ctx 取消后返回
func (s *Server) RunPusher(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.CloseAll()
			return
		case <-ticker.C:
			s.pushDepth()
		}
	}
}

func (s *Server) pushDepth() {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	for _, symbol := range s.svc.Symbols() {
		channel := "depth." + symbol
		var payload []byte
		for _, c := range clients {
			if !c.subscribed(channel) {
				continue
			}
			if payload == nil {
				data, ok := s.depthPayload(symbol)
				if !ok {
					break
				}
				payload = data
			}
			c.trySend(payload)
		}
	}
}

// ClientCount 客户端数量
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) CloseAll() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func allowOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients usually don't send Origin.
		return true
	}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func validateChannel(channel string) (string, error) {
	// Expected: depth.<SYMBOL>
	parts := strings.Split(channel, ".")
	if len(parts) != 2 || parts[0] != "depth" {
		return "", fmt.Errorf("invalid channel")
	}
	symbol := parts[1]
	if len(symbol) < 1 || len(symbol) > 32 {
		return "", fmt.Errorf("invalid symbol")
	}
	for i := 0; i < len(symbol); i++ {
		b := symbol[i]
		if !(b >= 'A' && b <= 'Z') && !(b >= '0' && b <= '9') {
			return "", fmt.Errorf("invalid symbol")
		}
	}
	return symbol, nil
}
