package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/momoland/realtime/debug"
)

var ErrNotConnected = errors.New("not connected")

type WebSocketTransport struct {
	mu               sync.Mutex
	conn             *websocket.Conn
	url              string
	dialer           *websocket.Dialer
	headers          http.Header
	connected        bool
	readTimeout      time.Duration
	writeTimeout     time.Duration
	handshakeTimeout time.Duration
	compression      bool
	logger           *zap.Logger
}

type WebSocketOption func(*WebSocketTransport)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		for k, v := range headers {
			t.headers[k] = append([]string(nil), v...)
		}
	}
}

// WithBearerToken also offers the token at the HTTP upgrade. The socket-level
// auth event is still sent by the manager.
func WithBearerToken(token string) WebSocketOption {
	return func(t *WebSocketTransport) {
		if token != "" {
			t.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithReadTimeout bounds the silence between frames. Server pings refresh it,
// so it must be longer than the server's ping interval.
func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = timeout
	}
}

func WithHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.handshakeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.compression = enabled
	}
}

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(t *WebSocketTransport) {
		if d != nil {
			t.dialer = d
		}
	}
}

func WithLogger(l *zap.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

func NewWebSocketTransport(url string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url:              url,
		dialer:           websocket.DefaultDialer,
		headers:          make(http.Header),
		readTimeout:      60 * time.Second,
		writeTimeout:     10 * time.Second,
		handshakeTimeout: 10 * time.Second,
		logger:           debug.Logger().Named("transport.websocket"),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	t.logger.Debug("connecting", zap.String("url", t.url))

	dialer := *t.dialer
	dialer.HandshakeTimeout = t.handshakeTimeout
	if t.compression {
		dialer.EnableCompression = true
	}

	conn, resp, err := dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		fields := []zap.Field{zap.Error(err)}
		if resp != nil {
			fields = append(fields, zap.Int("status", resp.StatusCode))
		}
		t.logger.Debug("connection failed", fields...)
		return err
	}

	conn.SetPingHandler(func(appData string) error {
		if t.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	t.logger.Debug("connected", zap.String("url", t.url))
	t.conn = conn
	t.connected = true

	return nil
}

func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return ErrNotConnected
	}

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}

	err := t.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		t.logger.Debug("send error", zap.Error(err))
	}
	return err
}

func (t *WebSocketTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	if !t.connected || t.conn == nil {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := t.conn

	if t.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	t.mu.Unlock()

	_, message, err := conn.ReadMessage()
	if err != nil {
		t.logger.Debug("read error", zap.Error(err))
		return nil, err
	}

	return message, nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return nil
	}

	t.logger.Debug("closing connection")

	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		t.logger.Debug("error sending close message", zap.Error(err))
	}

	err = t.conn.Close()
	t.connected = false
	t.conn = nil

	return err
}

// Conn exposes the underlying connection, nil when closed.
func (t *WebSocketTransport) Conn() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}
