package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/momoland/realtime/debug"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrClosed        = errors.New("connection closed")
)

type LongPollingTransport struct {
	mu            sync.Mutex
	client        *http.Client
	baseURL       string
	sessionID     string
	connected     bool
	incomingQueue chan []byte
	headers       http.Header
	err           error

	ctx        context.Context
	cancelFunc context.CancelFunc

	pollInterval time.Duration
	timeout      time.Duration
	maxFailures  int
	logger       *zap.Logger
}

type LongPollingOption func(*LongPollingTransport)

func WithLongPollingHeaders(headers http.Header) LongPollingOption {
	return func(t *LongPollingTransport) {
		for k, v := range headers {
			t.headers[k] = append([]string(nil), v...)
		}
	}
}

func WithLongPollingBearerToken(token string) LongPollingOption {
	return func(t *LongPollingTransport) {
		if token != "" {
			t.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

func WithHTTPClient(client *http.Client) LongPollingOption {
	return func(t *LongPollingTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithPollInterval is the pause after a poll that came back empty.
func WithPollInterval(interval time.Duration) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.pollInterval = interval
	}
}

// WithTimeout bounds each HTTP request, including the held poll.
func WithTimeout(timeout time.Duration) LongPollingOption {
	return func(t *LongPollingTransport) {
		t.timeout = timeout
	}
}

// WithMaxPollFailures is how many consecutive failed polls end the session.
func WithMaxPollFailures(n int) LongPollingOption {
	return func(t *LongPollingTransport) {
		if n > 0 {
			t.maxFailures = n
		}
	}
}

func WithLongPollingLogger(l *zap.Logger) LongPollingOption {
	return func(t *LongPollingTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

func NewLongPollingTransport(baseURL string, opts ...LongPollingOption) *LongPollingTransport {
	t := &LongPollingTransport{
		client:        &http.Client{},
		baseURL:       baseURL,
		headers:       make(http.Header),
		incomingQueue: make(chan []byte, 100),
		pollInterval:  250 * time.Millisecond,
		timeout:       30 * time.Second,
		maxFailures:   3,
		logger:        debug.Logger().Named("transport.longpolling"),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Connect opens a session. ctx bounds only the handshake request; the
// session lives until Close or until polling gives up.
func (t *LongPollingTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/connect", nil)
	if err != nil {
		return err
	}
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to connect: %s", resp.Status)
	}

	var connectResp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&connectResp); err != nil {
		return err
	}
	if connectResp.SessionID == "" {
		return errors.New("failed to connect: empty session id")
	}

	t.ctx, t.cancelFunc = context.WithCancel(context.Background())
	t.sessionID = connectResp.SessionID
	t.connected = true
	t.err = nil

	t.logger.Debug("session opened", zap.String("session", t.sessionID))
	go t.poll(t.ctx)

	return nil
}

func (t *LongPollingTransport) poll(ctx context.Context) {
	failures := 0
	for {
		msgs, err := t.fetchMessages(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			failures++
			t.logger.Debug("poll failed", zap.Error(err), zap.Int("failures", failures))
			if errors.Is(err, ErrSessionClosed) || failures >= t.maxFailures {
				t.fail(err)
				return
			}
			if !sleepCtx(ctx, t.pollInterval) {
				return
			}
			continue
		}
		failures = 0

		for _, msg := range msgs {
			select {
			case t.incomingQueue <- msg:
			case <-ctx.Done():
				return
			}
		}

		if len(msgs) == 0 && !sleepCtx(ctx, t.pollInterval) {
			return
		}
	}
}

func (t *LongPollingTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
	if t.cancelFunc != nil {
		t.cancelFunc()
	}
}

func (t *LongPollingTransport) fetchMessages(ctx context.Context) ([][]byte, error) {
	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()

	if sessionID == "" {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sessionURL("/poll", sessionID), nil)
	if err != nil {
		return nil, err
	}
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone, http.StatusNotFound:
		return nil, ErrSessionClosed
	default:
		return nil, fmt.Errorf("failed to poll: %s", resp.Status)
	}

	var messages []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, err
	}

	result := make([][]byte, len(messages))
	for i, msg := range messages {
		result[i] = []byte(msg)
	}

	return result, nil
}

func (t *LongPollingTransport) Send(data []byte) error {
	t.mu.Lock()
	sessionID := t.sessionID
	ctx := t.ctx
	t.mu.Unlock()

	if sessionID == "" || ctx == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sessionURL("/send", sessionID), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusGone, http.StatusNotFound:
		return ErrSessionClosed
	default:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to send message: %s - %s", resp.Status, bytes.TrimSpace(bodyBytes))
	}
}

func (t *LongPollingTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	connected := t.connected
	ctx := t.ctx
	t.mu.Unlock()

	if !connected || ctx == nil {
		return nil, ErrNotConnected
	}

	select {
	case msg := <-t.incomingQueue:
		return msg, nil
	case <-ctx.Done():
		t.mu.Lock()
		err := t.err
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
}

func (t *LongPollingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sessionURL("/disconnect", t.sessionID), nil)
	if err == nil {
		t.applyHeaders(req)
		resp, err := t.client.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}

	t.cancelFunc()
	t.connected = false
	t.sessionID = ""

	return nil
}

func (t *LongPollingTransport) sessionURL(path, sessionID string) string {
	return t.baseURL + path + "?sessionId=" + url.QueryEscape(sessionID)
}

func (t *LongPollingTransport) applyHeaders(req *http.Request) {
	for k, values := range t.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
