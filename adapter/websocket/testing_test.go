package websocket

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	relay "github.com/bjoelf/trade-relay/adapter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock fires timers synchronously from Advance
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, ch: make(chan time.Time, 1), deadline: c.now.Add(d), active: true}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires every due timer
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if t.active && !t.deadline.After(c.now) {
			t.active = false
			select {
			case t.ch <- c.now:
			default:
			}
		}
	}
}

// activeTimers counts armed timers
func (c *fakeClock) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.active {
			n++
		}
	}
	return n
}

// armedAt reports whether an active timer expires exactly at deadline
func (c *fakeClock) armedAt(deadline time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if t.active && t.deadline.Equal(deadline) {
			return true
		}
	}
	return false
}

type fakeTimer struct {
	clock    *fakeClock
	ch       chan time.Time
	deadline time.Time
	active   bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.deadline = t.clock.now.Add(d)
	t.active = true
	return was
}

// fakeConn is an in-memory transport. Frames pushed with serve are read by
// the session; everything the session writes lands in writes.
type fakeConn struct {
	in      chan []byte
	readErr chan error
	writes  chan []byte
	closed  chan struct{}

	mu         sync.Mutex
	closeCodes []int
	writeErr   error
	closeOnce  sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 64),
		readErr: make(chan error, 1),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if messageType == websocket.CloseMessage {
		code := websocket.CloseNoStatusReceived
		if len(data) >= 2 {
			code = int(data[0])<<8 | int(data[1])
		}
		c.closeCodes = append(c.closeCodes, code)
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	c.writes <- out
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) sentCloseCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closeCodes...)
}

// serve queues msg as an inbound JSON text frame
func (c *fakeConn) serve(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.in <- data
}

// next returns the next written envelope as a generic map
func (c *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.writes:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no message written")
		return nil
	}
}

// nextRaw returns the next written frame unchanged
func (c *fakeConn) nextRaw(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-c.writes:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("no message written")
		return nil
	}
}

// assertSilent checks nothing is written within a short window
func (c *fakeConn) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.writes:
		t.Fatalf("unexpected message written: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func testAccounts(t *testing.T) relay.AccountSet {
	t.Helper()
	set, err := relay.NewAccountSet(
		relay.Account{Name: "whale", Address: "0x00000000000000000000000000000000000000b2", PrivateKey: "b2"},
		relay.Account{Name: "alpha", Address: "0x00000000000000000000000000000000000000a1", PrivateKey: "a1"},
	)
	require.NoError(t, err)
	return set
}

func testCredentials() relay.Credentials {
	return relay.Credentials{Username: "bot-user", Token: "secret-token"}
}

// tradeCommand is a valid trade envelope for account "alpha"
func tradeCommand() map[string]any {
	return map[string]any{
		"code":              "trade",
		"input_token":       "0x0000000000000000000000000000000000000000",
		"output_token":      "0x6B175474E89094C44Da98b954EedeAC495271d0F",
		"input_quantity":    "1.5",
		"max_slippage":      0.01,
		"max_gas":           30,
		"trading_config_id": 42,
		"strategy_type":     "dca",
		"account":           "alpha",
	}
}

// recordingExecutor records calls and answers from fn
type recordingExecutor struct {
	mu    sync.Mutex
	calls []relay.TradeRequest
	ctxs  []context.Context
	fn    func(relay.TradeRequest) (relay.TradeResult, error)
}

func (e *recordingExecutor) ExecuteTrade(ctx context.Context, req relay.TradeRequest) (relay.TradeResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.ctxs = append(e.ctxs, ctx)
	fn := e.fn
	e.mu.Unlock()
	if fn == nil {
		return relay.TradeResult{Hash: "0xabc", Status: 1}, nil
	}
	return fn(req)
}

func (e *recordingExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *recordingExecutor) call(i int) relay.TradeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[i]
}

func (e *recordingExecutor) context(i int) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctxs[i]
}
