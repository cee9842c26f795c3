package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/whitetrader/wsrelay/internal/model"
)

// wsRequest is an outbound envelope as seen by the fake exchange.
type wsRequest struct {
	Conn   int
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeExchange is a WebSocket server that speaks just enough of the
// realtime protocol: it acknowledges requests and lets tests push
// updates or kill connections.
type fakeExchange struct {
	t          *testing.T
	server     *httptest.Server
	rejectAuth atomic.Bool
	requests   chan wsRequest

	mu    sync.Mutex
	conns []*fakeConn
}

type fakeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (fc *fakeConn) write(data []byte) error {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	return fc.conn.WriteMessage(websocket.TextMessage, data)
}

func newFakeExchange(t *testing.T) *fakeExchange {
	fe := &fakeExchange{
		t:        t,
		requests: make(chan wsRequest, 256),
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	fe.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		fc := &fakeConn{conn: conn}
		fe.mu.Lock()
		fe.conns = append(fe.conns, fc)
		connNum := len(fe.conns)
		fe.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wsRequest
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			req.Conn = connNum
			fe.requests <- req

			if req.Method == "authorize" && fe.rejectAuth.Load() {
				fc.write([]byte(fmt.Sprintf(`{"id":%d,"error":{"code":6,"message":"invalid token"}}`, req.ID)))
				continue
			}
			fc.write([]byte(fmt.Sprintf(`{"id":%d,"result":{"status":"success"}}`, req.ID)))
		}
	}))

	t.Cleanup(fe.server.Close)
	return fe
}

func (fe *fakeExchange) url() string {
	return "ws" + strings.TrimPrefix(fe.server.URL, "http")
}

// push sends a raw message on the most recent connection.
func (fe *fakeExchange) push(data string) {
	fe.mu.Lock()
	fc := fe.conns[len(fe.conns)-1]
	fe.mu.Unlock()
	if err := fc.write([]byte(data)); err != nil {
		fe.t.Logf("push failed: %v", err)
	}
}

// drop closes the most recent connection to simulate a transport loss.
func (fe *fakeExchange) drop() {
	fe.mu.Lock()
	fc := fe.conns[len(fe.conns)-1]
	fe.mu.Unlock()
	fc.conn.Close()
}

func (fe *fakeExchange) connCount() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return len(fe.conns)
}

// waitFor reads requests until one matches the method or the timeout fires.
func (fe *fakeExchange) waitFor(method string) (wsRequest, bool) {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case req := <-fe.requests:
			if req.Method == method {
				return req, true
			}
		case <-deadline:
			return wsRequest{}, false
		}
	}
}

// stubTokens is an in-memory token.Provider.
type stubTokens struct {
	mu    sync.Mutex
	count int
	err   error
}

func (s *stubTokens) Fetch(ctx context.Context, accountID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.count++
	return fmt.Sprintf("tok-%d-%d", accountID, s.count), nil
}

func (s *stubTokens) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// captureSink records dispatched events.
type captureSink struct {
	events chan model.Event
}

func newCaptureSink() *captureSink {
	return &captureSink{events: make(chan model.Event, 64)}
}

func (c *captureSink) Dispatch(event model.Event) {
	c.events <- event
}

func testSessionConfig(url string) Config {
	return Config{
		WSURL:              url,
		HandshakeTimeout:   2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingInterval:       time.Hour, // tests that need pings shorten this
		ReconnectBaseDelay: 20 * time.Millisecond,
		ReconnectMaxDelay:  100 * time.Millisecond,
		WriteTimeout:       time.Second,
		ReadBufferSize:     64,
	}
}

func closeSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func TestSessionLifecycle(t *testing.T) {
	fe := newFakeExchange(t)
	tokens := &stubTokens{}
	sink := newCaptureSink()

	s := NewSession(7, []string{"BTC_USDT", "ETH_USDT"}, testSessionConfig(fe.url()), tokens, sink, nil)
	s.Start(context.Background())
	defer closeSession(t, s)

	auth, ok := fe.waitFor("authorize")
	if !ok {
		t.Fatal("no authorize request")
	}
	var authParams []any
	json.Unmarshal(auth.Params, &authParams)
	if len(authParams) != 2 || authParams[0] != "tok-7-1" || authParams[1] != "public" {
		t.Errorf("authorize params = %v, want [tok-7-1 public]", authParams)
	}

	sub, ok := fe.waitFor("ordersExecuted_subscribe")
	if !ok {
		t.Fatal("no ordersExecuted_subscribe request")
	}
	if got := string(sub.Params); got != `[["BTC_USDT","ETH_USDT"],0]` {
		t.Errorf("subscribe params = %s", got)
	}

	bal, ok := fe.waitFor("balanceSpot_subscribe")
	if !ok {
		t.Fatal("no balanceSpot_subscribe request")
	}
	if got := string(bal.Params); got != `["BTC","ETH","USDT"]` {
		t.Errorf("balance subscribe params = %s", got)
	}

	waitForState(t, s, StateActive)

	fe.push(`{"method":"ordersExecuted_update","params":{"orderId":99,"market":"BTC_USDT"}}`)

	select {
	case event := <-sink.events:
		if event.AccountID != 7 {
			t.Errorf("AccountID = %d, want 7", event.AccountID)
		}
		if event.Kind != model.EventOrdersExecuted {
			t.Errorf("Kind = %q, want %q", event.Kind, model.EventOrdersExecuted)
		}
		if got := string(event.Params); got != `{"orderId":99,"market":"BTC_USDT"}` {
			t.Errorf("Params = %s, not forwarded verbatim", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestSessionAuthRejectedIsTerminal(t *testing.T) {
	fe := newFakeExchange(t)
	fe.rejectAuth.Store(true)
	tokens := &stubTokens{}

	s := NewSession(1, []string{"BTC_USDT"}, testSessionConfig(fe.url()), tokens, newCaptureSink(), nil)
	s.Start(context.Background())

	waitForState(t, s, StateClosed)

	// No automatic retry after an authorization error.
	time.Sleep(150 * time.Millisecond)
	if n := tokens.fetches(); n != 1 {
		t.Errorf("token fetches = %d, want 1 (no auto-retry)", n)
	}
	if fe.connCount() != 1 {
		t.Errorf("connections = %d, want 1", fe.connCount())
	}
}

func TestSessionReconnectRestoresSubscriptions(t *testing.T) {
	fe := newFakeExchange(t)
	tokens := &stubTokens{}

	s := NewSession(3, []string{"BTC_USDT"}, testSessionConfig(fe.url()), tokens, newCaptureSink(), nil)
	s.Start(context.Background())
	defer closeSession(t, s)

	if _, ok := fe.waitFor("balanceSpot_subscribe"); !ok {
		t.Fatal("initial subscribe missing")
	}
	waitForState(t, s, StateActive)

	fe.drop()

	// The reconnected session re-authorizes with a fresh token and restores
	// the full subscription set.
	auth, ok := fe.waitFor("authorize")
	if !ok {
		t.Fatal("no authorize after reconnect")
	}
	var authParams []any
	json.Unmarshal(auth.Params, &authParams)
	if authParams[0] != "tok-3-2" {
		t.Errorf("reconnect token = %v, want tok-3-2 (re-fetched)", authParams[0])
	}

	sub, ok := fe.waitFor("ordersExecuted_subscribe")
	if !ok {
		t.Fatal("no resubscribe after reconnect")
	}
	if got := string(sub.Params); got != `[["BTC_USDT"],0]` {
		t.Errorf("resubscribe params = %s", got)
	}
	if _, ok := fe.waitFor("balanceSpot_subscribe"); !ok {
		t.Fatal("no balance resubscribe after reconnect")
	}

	waitForState(t, s, StateActive)
	if fe.connCount() != 2 {
		t.Errorf("connections = %d, want 2", fe.connCount())
	}
}

func TestSessionMarketDelta(t *testing.T) {
	fe := newFakeExchange(t)
	s := NewSession(5, []string{"BTC_USDT"}, testSessionConfig(fe.url()), &stubTokens{}, newCaptureSink(), nil)
	s.Start(context.Background())
	defer closeSession(t, s)

	fe.waitFor("balanceSpot_subscribe")
	waitForState(t, s, StateActive)

	s.UpdateMarkets([]string{"BTC_USDT", "ETH_USDT"})

	sub, ok := fe.waitFor("ordersExecuted_subscribe")
	if !ok {
		t.Fatal("no delta subscribe")
	}
	if got := string(sub.Params); got != `[["ETH_USDT"],0]` {
		t.Errorf("delta subscribe params = %s, want only the added market", got)
	}
	bal, ok := fe.waitFor("balanceSpot_subscribe")
	if !ok {
		t.Fatal("no delta balance subscribe")
	}
	if got := string(bal.Params); got != `["ETH"]` {
		t.Errorf("delta balance params = %s, want only the new asset", got)
	}

	s.UpdateMarkets([]string{"ETH_USDT"})

	unsub, ok := fe.waitFor("ordersExecuted_unsubscribe")
	if !ok {
		t.Fatal("no unsubscribe for removed market")
	}
	if got := string(unsub.Params); got != `[["BTC_USDT"]]` {
		t.Errorf("unsubscribe params = %s", got)
	}
	balUnsub, ok := fe.waitFor("balanceSpot_unsubscribe")
	if !ok {
		t.Fatal("no balance unsubscribe for orphaned asset")
	}
	// USDT is still referenced by ETH_USDT, only BTC goes away.
	if got := string(balUnsub.Params); got != `["BTC"]` {
		t.Errorf("balance unsubscribe params = %s", got)
	}
}

func TestSessionNoopUpdateSendsNothing(t *testing.T) {
	fe := newFakeExchange(t)
	s := NewSession(5, []string{"BTC_USDT"}, testSessionConfig(fe.url()), &stubTokens{}, newCaptureSink(), nil)
	s.Start(context.Background())
	defer closeSession(t, s)

	fe.waitFor("balanceSpot_subscribe")
	waitForState(t, s, StateActive)

	s.UpdateMarkets([]string{"BTC_USDT"})

	select {
	case req := <-fe.requests:
		t.Errorf("unexpected %s request after no-op update", req.Method)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionMalformedPayloadDropped(t *testing.T) {
	fe := newFakeExchange(t)
	sink := newCaptureSink()
	s := NewSession(2, []string{"BTC_USDT"}, testSessionConfig(fe.url()), &stubTokens{}, sink, nil)
	s.Start(context.Background())
	defer closeSession(t, s)

	fe.waitFor("balanceSpot_subscribe")
	waitForState(t, s, StateActive)

	fe.push(`{not json`)
	fe.push(`{"method":"somethingNew_update","params":{}}`)
	fe.push(`{"method":"balanceSpot_update","params":{"BTC":{"available":"1.5"}}}`)

	select {
	case event := <-sink.events:
		if event.Kind != model.EventBalanceUpdate {
			t.Errorf("Kind = %q, want balance update", event.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid event after garbage was not dispatched, connection likely closed")
	}

	if s.State() != StateActive {
		t.Errorf("state = %v, malformed payload must not close the session", s.State())
	}
}

func TestSessionKeepAlive(t *testing.T) {
	fe := newFakeExchange(t)
	cfg := testSessionConfig(fe.url())
	cfg.PingInterval = 50 * time.Millisecond

	s := NewSession(4, []string{"BTC_USDT"}, cfg, &stubTokens{}, newCaptureSink(), nil)
	s.Start(context.Background())
	defer closeSession(t, s)

	waitForState(t, s, StateActive)

	if _, ok := fe.waitFor("ping"); !ok {
		t.Fatal("no keep-alive ping sent")
	}
	if _, ok := fe.waitFor("ping"); !ok {
		t.Fatal("keep-alive not periodic")
	}
}

func TestSessionCloseWhileReconnecting(t *testing.T) {
	tokens := &stubTokens{}
	cfg := testSessionConfig("ws://127.0.0.1:1") // nothing listening

	s := NewSession(9, []string{"BTC_USDT"}, cfg, tokens, newCaptureSink(), nil)
	s.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	closeSession(t, s)

	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
}
