package ramzinex

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
      ramzinex: "13"
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

func testConfig(url string, delta bool) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Source.Ramzinex = appconfig.VenueConfig{
		Enabled:           true,
		URL:               url,
		DeltaMode:         delta,
		MaxSockets:        1,
		ReadTimeout:       2 * time.Second,
		AckTimeout:        2 * time.Second,
		HeartbeatTimeout:  25 * time.Second,
		ReconnectGrace:    5 * time.Second,
		SubscribesPerSec:  100,
		SubscribeBurst:    10,
		ProtocolErrorRate: 5,
	}
	return cfg
}

// handshake consumes the connect and subscribe commands and acknowledges
// them the way the server would.
func handshake(t *testing.T, conn *websocket.Conn) bool {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var connect models.RamzinexCommand
	if err := json.Unmarshal(msg, &connect); err != nil || connect.Connect == nil {
		t.Errorf("expected connect command, got %s", msg)
		return false
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"connect":{"client":"test"}}`))

	_, msg, err = conn.ReadMessage()
	if err != nil {
		return false
	}
	var sub models.RamzinexCommand
	if err := json.Unmarshal(msg, &sub); err != nil || sub.Subscribe == nil {
		t.Errorf("expected subscribe command, got %s", msg)
		return false
	}
	if sub.Subscribe.Channel != "orderbook:13" {
		t.Errorf("unexpected channel %s", sub.Subscribe.Channel)
		return false
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`{"id":2,"subscribe":{}}`))
	return true
}

func TestSnapshotAndPing(t *testing.T) {
	pongCh := make(chan string, 1)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if !handshake(t, conn) {
			return
		}

		push := `{"push":{"channel":"orderbook:13","pub":{"data":{"buys":[[2000,10],[1999,3]],"sells":[[2001,5],[2002,1]]},"offset":100}}}`
		conn.WriteMessage(websocket.TextMessage, []byte(push))

		conn.WriteMessage(websocket.TextMessage, []byte("{}"))
		_, reply, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pongCh <- string(reply)

		<-done
	}))
	defer srv.Close()
	defer close(done)

	cfg := testConfig("ws"+strings.TrimPrefix(srv.URL, "http"), false)
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
			if q.Sequence != 100 {
				t.Fatalf("expected offset as sequence, got %d", q.Sequence)
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
		if strings.TrimSpace(pong) != "{}" {
			t.Fatalf("expected empty-object pong, got %q", pong)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("ping was never answered")
	}
}

func TestFossilDeltaApplied(t *testing.T) {
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if !handshake(t, conn) {
			return
		}

		snapshot := `{"push":{"channel":"orderbook:13","pub":{"data":{"buys":[[2000,10]],"sells":[[2001,5]]},"offset":100}}}`
		conn.WriteMessage(websocket.TextMessage, []byte(snapshot))

		// diff 101 deletes the 2000 bid and adds 1999:7
		diff := `{"push":{"channel":"orderbook:13","pub":{"data":{"buys":[[2000,0],[1999,7]],"sells":[]},"offset":101,"delta":true}}}`
		conn.WriteMessage(websocket.TextMessage, []byte(diff))

		<-done
	}))
	defer srv.Close()
	defer close(done)

	cfg := testConfig("ws"+strings.TrimPrefix(srv.URL, "http"), true)
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
		if q, ok := store.Get(exchangeName, "ETH/USDT"); ok && q.Sequence == 101 {
			if q.BidPrice.String() != "1999" || q.BidVolume.String() != "7" {
				t.Fatalf("expected top bid 1999:7 after diff, got %+v", q)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("diffed quote never reached the store")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGapTriggersResubscribe(t *testing.T) {
	resub := make(chan string, 1)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if !handshake(t, conn) {
			return
		}

		snapshot := `{"push":{"channel":"orderbook:13","pub":{"data":{"buys":[[2000,10]],"sells":[[2001,5]]},"offset":100}}}`
		conn.WriteMessage(websocket.TextMessage, []byte(snapshot))

		// offset 102 skips 101: the collector must resubscribe
		gap := `{"push":{"channel":"orderbook:13","pub":{"data":{"buys":[[1999,7]],"sells":[]},"offset":102,"delta":true}}}`
		conn.WriteMessage(websocket.TextMessage, []byte(gap))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		resub <- string(msg)

		<-done
	}))
	defer srv.Close()
	defer close(done)

	cfg := testConfig("ws"+strings.TrimPrefix(srv.URL, "http"), true)
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

	select {
	case msg := <-resub:
		var cmd models.RamzinexCommand
		if err := json.Unmarshal([]byte(msg), &cmd); err != nil || cmd.Subscribe == nil {
			t.Fatalf("expected resubscribe command, got %s", msg)
		}
		if cmd.Subscribe.Channel != "orderbook:13" {
			t.Fatalf("unexpected resubscribe channel %s", cmd.Subscribe.Channel)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no resubscribe after gap")
	}
}
