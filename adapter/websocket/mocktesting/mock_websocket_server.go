package mocktesting

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// MockRelayServer is a TLS control server speaking the relay protocol.
// It accepts one bot connection at a time; the newest connection is the one
// Send and the close helpers act on.
type MockRelayServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conn       *websocket.Conn
	writeMu    sync.Mutex
	loginReply map[string]any
	usernames  []string

	logins      atomic.Int32
	connections atomic.Int32
	received    chan map[string]any
	connected   chan struct{}
}

// NewMockRelayServer starts a server that answers every login with auth_ok
func NewMockRelayServer() *MockRelayServer {
	mock := &MockRelayServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		loginReply: map[string]any{"code": "auth_ok"},
		received:   make(chan map[string]any, 256),
		connected:  make(chan struct{}, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users/subscribe/{username}", mock.handleWebSocket)

	mock.server = httptest.NewTLSServer(mux)
	return mock
}

// Host returns host:port of the server, as used in BASE_URL
func (m *MockRelayServer) Host() string {
	return strings.TrimPrefix(m.server.URL, "https://")
}

// Dialer returns a websocket dialer trusting the server's self-signed certificate
func (m *MockRelayServer) Dialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		TLSClientConfig:  m.TLSConfig(),
	}
}

// TLSConfig returns the client TLS configuration of the test server
func (m *MockRelayServer) TLSConfig() *tls.Config {
	if transport, ok := m.server.Client().Transport.(*http.Transport); ok && transport.TLSClientConfig != nil {
		return transport.TLSClientConfig
	}
	return nil
}

// SetLoginReply changes the reply to the next logins. nil means never reply.
func (m *MockRelayServer) SetLoginReply(reply map[string]any) {
	m.mu.Lock()
	m.loginReply = reply
	m.mu.Unlock()
}

// RejectLogins makes the server answer logins with auth_fail
func (m *MockRelayServer) RejectLogins() {
	m.SetLoginReply(map[string]any{"code": "auth_fail"})
}

// Logins returns how many login messages were received
func (m *MockRelayServer) Logins() int { return int(m.logins.Load()) }

// Connections returns how many websocket connections were accepted
func (m *MockRelayServer) Connections() int { return int(m.connections.Load()) }

// Usernames returns the usernames of the subscribe paths, in connection order
func (m *MockRelayServer) Usernames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.usernames))
	copy(out, m.usernames)
	return out
}

// Received delivers every message the bot sends, login included
func (m *MockRelayServer) Received() <-chan map[string]any { return m.received }

// WaitForLogin blocks until a connection has been authenticated or timeout passes
func (m *MockRelayServer) WaitForLogin(timeout time.Duration) error {
	select {
	case <-m.connected:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no login within %v", timeout)
	}
}

// NextMessage returns the next message from the bot
func (m *MockRelayServer) NextMessage(timeout time.Duration) (map[string]any, error) {
	select {
	case msg := <-m.received:
		return msg, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no message within %v", timeout)
	}
}

// Send writes msg as a JSON text frame to the current connection
func (m *MockRelayServer) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return m.SendRaw(data)
}

// SendRaw writes data unchanged as a text frame
func (m *MockRelayServer) SendRaw(data []byte) error {
	conn := m.current()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendClose sends the close command
func (m *MockRelayServer) SendClose() error {
	return m.Send(map[string]any{"code": "close"})
}

// CloseNormally ends the connection with a 1000 close frame
func (m *MockRelayServer) CloseNormally() error {
	conn := m.current()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
}

// DropConnection closes the TCP connection without a close frame (1006 on the client)
func (m *MockRelayServer) DropConnection() error {
	conn := m.current()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	return conn.NetConn().Close()
}

// Close shuts down the mock server
func (m *MockRelayServer) Close() {
	if conn := m.current(); conn != nil {
		conn.Close()
	}
	m.server.Close()
}

func (m *MockRelayServer) current() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// handleWebSocket upgrades the subscribe request and runs the login exchange
func (m *MockRelayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.connections.Add(1)
	m.mu.Lock()
	m.conn = conn
	m.usernames = append(m.usernames, r.PathValue("username"))
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
	}()

	first := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		select {
		case m.received <- msg:
		default:
		}

		if first {
			first = false
			if msg["code"] != "login" {
				continue
			}
			m.logins.Add(1)

			m.mu.Lock()
			reply := m.loginReply
			m.mu.Unlock()
			if reply == nil {
				continue
			}
			if err := m.Send(reply); err != nil {
				return
			}
			if reply["code"] == "auth_ok" {
				select {
				case m.connected <- struct{}{}:
				default:
				}
			}
		}
	}
}
