package lbank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
	"arbflow/models"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func testRegistry(t *testing.T) *symbols.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "markets.yml")
	content := `
markets:
  - id: ETH/USDT
    base: ETH
    quote: USDT
    currency_name: Ethereum
    enabled: true
    aliases:
      lbank: eth_usdt
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write markets: %v", err)
	}
	r, err := symbols.Load(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return r
}

func TestDepthAndPing(t *testing.T) {
	pongCh := make(chan models.LbankPong, 1)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req models.LbankSubscribeReq
		if err := json.Unmarshal(msg, &req); err != nil {
			return
		}
		if req.Action != "subscribe" || req.Subscribe != "depth" || req.Pair != "eth_usdt" || req.Depth != "100" {
			t.Errorf("unexpected subscription %+v", req)
			return
		}

		depth := `{"type":"depth","pair":"eth_usdt","depth":{"bids":[[2000,10],[1999,3]],"asks":[[2001,5]]},"TS":"2026-08-06T12:00:00.000"}`
		conn.WriteMessage(websocket.TextMessage, []byte(depth))

		conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping","ping":"ab-12"}`))
		_, reply, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var pong models.LbankPong
		if err := json.Unmarshal(reply, &pong); err != nil {
			return
		}
		pongCh <- pong

		<-done
	}))
	defer srv.Close()
	defer close(done)

	cfg := &appconfig.Config{}
	cfg.Source.Lbank = appconfig.VenueConfig{
		Enabled:           true,
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		Depth:             100,
		MaxSockets:        1,
		ReadTimeout:       2 * time.Second,
		AckTimeout:        2 * time.Second,
		HeartbeatTimeout:  2 * time.Second,
		ReconnectGrace:    5 * time.Second,
		SubscribesPerSec:  100,
		SubscribeBurst:    10,
		ProtocolErrorRate: 5,
	}
	store := book.NewStore()
	c := NewCollector(cfg, store, testRegistry(t))

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		c.Stop()
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if q, ok := store.Get(exchangeName, "ETH/USDT"); ok {
			if q.BidPrice.String() != "2000" || q.AskPrice.String() != "2001" {
				t.Fatalf("unexpected tops %+v", q)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("quote never reached the store")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case pong := <-pongCh:
		if pong.Action != "pong" || pong.Pong != "ab-12" {
			t.Fatalf("expected echoed ping id, got %+v", pong)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("ping was never answered")
	}
}
