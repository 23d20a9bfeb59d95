package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchange/matching/internal/engine"
	"github.com/exchange/matching/internal/orderbook"
	"github.com/exchange/matching/internal/sequence"
	"github.com/exchange/matching/internal/service"
	"github.com/exchange/matching/pkg/snowflake"
)

type nopCommitter struct{}

func (nopCommitter) CommitMatch(context.Context, *engine.CommitRequest) error { return nil }
func (nopCommitter) CommitCancel(context.Context, *orderbook.Order) error     { return nil }

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	idGen, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	svc := service.New(&service.Config{
		Symbols:         []string{"BTCUSDT"},
		Sequencer:       sequence.New(0),
		Committer:       nopCommitter{},
		IDGen:           idGen,
		CmdBufferSize:   64,
		EventBufferSize: 256,
	})
	t.Cleanup(svc.Stop)
	return svc
}

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) *WsResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp WsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return &resp
}

func TestValidateChannel(t *testing.T) {
	tests := []struct {
		channel string
		symbol  string
		wantErr bool
	}{
		{"depth.BTCUSDT", "BTCUSDT", false},
		{"depth.ETH2USDT", "ETH2USDT", false},
		{"trade.BTCUSDT", "", true},
		{"depth", "", true},
		{"depth.BTC.USDT", "", true},
		{"depth.", "", true},
		{"depth.btcusdt", "", true},
		{"depth.BTC-USDT", "", true},
		{"depth." + strings.Repeat("A", 33), "", true},
	}

	for _, tc := range tests {
		symbol, err := validateChannel(tc.channel)
		if tc.wantErr {
			if err == nil {
				t.Errorf("validateChannel(%q): expected error, got symbol %q", tc.channel, symbol)
			}
			continue
		}
		if err != nil {
			t.Errorf("validateChannel(%q): %v", tc.channel, err)
			continue
		}
		if symbol != tc.symbol {
			t.Errorf("validateChannel(%q) = %q, want %q", tc.channel, symbol, tc.symbol)
		}
	}
}

func TestAllowOrigin(t *testing.T) {
	makeReq := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{"no origin header", "", []string{"https://example.com"}, true},
		{"exact match", "https://example.com", []string{"https://example.com"}, true},
		{"wildcard", "https://anywhere.io", []string{"*"}, true},
		{"mismatch", "https://evil.io", []string{"https://example.com"}, false},
		{"empty allow list", "https://example.com", nil, false},
		{"blank entries skipped", "https://example.com", []string{"", " ", "https://example.com"}, true},
	}

	for _, tc := range tests {
		if got := allowOrigin(makeReq(tc.origin), tc.allowed); got != tc.want {
			t.Errorf("%s: allowOrigin = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNewServer_ConfigDefaults(t *testing.T) {
	svc := newTestService(t)

	s := NewServer(svc, nil, nil)
	if s.cfg.MaxSubscriptionsPerConn != 50 {
		t.Fatalf("expected default max subscriptions 50, got %d", s.cfg.MaxSubscriptionsPerConn)
	}
	if s.cfg.DepthInterval != time.Second {
		t.Fatalf("expected default interval 1s, got %v", s.cfg.DepthInterval)
	}
	if s.cfg.DepthLimit != 20 {
		t.Fatalf("expected default depth limit 20, got %d", s.cfg.DepthLimit)
	}

	s = NewServer(svc, nil, &Config{MaxSubscriptionsPerConn: 5, DepthLimit: 10})
	if s.cfg.MaxSubscriptionsPerConn != 5 || s.cfg.DepthLimit != 10 {
		t.Fatalf("config overrides not applied: %+v", s.cfg)
	}
	if s.cfg.DepthInterval != time.Second {
		t.Fatalf("zero interval should keep default, got %v", s.cfg.DepthInterval)
	}
}

func TestSubscribe_SendsSnapshot(t *testing.T) {
	svc := newTestService(t)
	if _, _, err := svc.SubmitOrder(context.Background(), &service.SubmitRequest{
		Symbol: "BTCUSDT", Side: "BUY", Price: 100, Qty: 10, UserID: 1,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	s := NewServer(svc, nil, nil)
	conn := dialTestServer(t, s)

	if err := conn.WriteJSON(&WsRequest{Op: "subscribe", Channel: "depth.BTCUSDT"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	ack := readResponse(t, conn)
	if ack.Op != "subscribe" || !ack.Success || ack.Channel != "depth.BTCUSDT" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	snap := readResponse(t, conn)
	if snap.Channel != "depth.BTCUSDT" {
		t.Fatalf("expected depth snapshot, got %+v", snap)
	}
	data, _ := json.Marshal(snap.Data)
	var update DepthUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		t.Fatalf("unmarshal depth: %v", err)
	}
	if len(update.Bids) != 1 || update.Bids[0].Price != 100 || update.Bids[0].Qty != 10 {
		t.Fatalf("unexpected bids: %+v", update.Bids)
	}
}

func TestSubscribe_UnknownSymbol(t *testing.T) {
	svc := newTestService(t)
	s := NewServer(svc, nil, nil)
	conn := dialTestServer(t, s)

	if err := conn.WriteJSON(&WsRequest{Op: "subscribe", Channel: "depth.ETHUSDT"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readResponse(t, conn)
	if resp.Error == "" {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

func TestPing(t *testing.T) {
	svc := newTestService(t)
	s := NewServer(svc, nil, nil)
	conn := dialTestServer(t, s)

	if err := conn.WriteJSON(&WsRequest{Op: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readResponse(t, conn)
	if resp.Op != "pong" {
		t.Fatalf("expected pong, got %+v", resp)
	}
}

func TestPusher_DeliversDepthUpdates(t *testing.T) {
	svc := newTestService(t)
	s := NewServer(svc, nil, &Config{DepthInterval: 20 * time.Millisecond})
	conn := dialTestServer(t, s)

	if err := conn.WriteJSON(&WsRequest{Op: "subscribe", Channel: "depth.BTCUSDT"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readResponse(t, conn) // ack
	readResponse(t, conn) // initial snapshot

	if _, _, err := svc.SubmitOrder(context.Background(), &service.SubmitRequest{
		Symbol: "BTCUSDT", Side: "SELL", Price: 105, Qty: 3, UserID: 2,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunPusher(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no depth update with new ask")
		}
		resp := readResponse(t, conn)
		data, _ := json.Marshal(resp.Data)
		var update DepthUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			continue
		}
		if len(update.Asks) == 1 && update.Asks[0].Price == 105 {
			return
		}
	}
}

func TestClientTracking(t *testing.T) {
	svc := newTestService(t)
	s := NewServer(svc, nil, nil)
	conn := dialTestServer(t, s)

	waitCount := func(want int) {
		deadline := time.Now().Add(time.Second)
		for s.ClientCount() != want {
			if time.Now().After(deadline) {
				t.Fatalf("client count = %d, want %d", s.ClientCount(), want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	waitCount(1)
	conn.Close()
	waitCount(0)
}
