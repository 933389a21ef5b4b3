// Package socket keeps one logical WebSocket connection alive, reconnecting
// after abnormal closures and buffering frames while a reconnect is pending.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"intervox/log"
)

type ReadyState int

const (
	Uninstantiated ReadyState = -1
	Connecting     ReadyState = 0
	Open           ReadyState = 1
	Closing        ReadyState = 2
	Closed         ReadyState = 3
)

func (s ReadyState) String() string {
	switch s {
	case Uninstantiated:
		return "UNINSTANTIATED"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("ReadyState(%d)", int(s))
}

const (
	CloseNormal    = websocket.CloseNormalClosure
	CloseGoingAway = websocket.CloseGoingAway
	CloseAbnormal  = websocket.CloseAbnormalClosure

	DefaultCloseReason = "Client disconnect"

	DefaultReconnectAttempts = 20
	DefaultReconnectInterval = 5 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultQueueSize         = 256
	DefaultReadLimit         = 1 << 20

	writeWait = 10 * time.Second
	closeWait = time.Second
)

// ShouldReconnect reports whether a closure with code warrants a new
// connection. Only normal closure and going-away are final.
func ShouldReconnect(code int) bool {
	return code != CloseNormal && code != CloseGoingAway
}

type Message struct {
	Type     int
	Data     []byte
	Received time.Time
}

func (m Message) Text() string {
	return string(m.Data)
}

// Ping is the heartbeat envelope sent by SendPing.
type Ping struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

type Options struct {
	// DefaultURL is dialed when Connect is called with an empty URL.
	DefaultURL        string
	ReconnectAttempts int
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
	QueueSize         int
	ReadLimit         int64
	Header            http.Header

	OnOpen          func()
	OnClose         func(code int, reason string)
	OnMessage       func(Message)
	OnError         func(error)
	OnReconnectStop func(attempts int)
}

// dialRun identifies one Connect. It is never zero-sized, so every Connect has its
// own address.
type dialRun struct {
	url string
}

type frame struct {
	typ  int
	data []byte
}

type Socket struct {
	opts   Options
	dialer *websocket.Dialer
	now    func() time.Time

	mu       sync.Mutex
	url      string
	state    ReadyState
	conn     *websocket.Conn
	cancel   context.CancelFunc
	owner    *dialRun
	running  bool
	queue    []frame
	last     *Message
	lastJSON json.RawMessage
	attempts int

	writeMu sync.Mutex
}

func New(opts Options) *Socket {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	return &Socket{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		now:    time.Now,
		state:  Uninstantiated,
	}
}

func (s *Socket) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Socket) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) IsConnected() bool {
	return s.ReadyState() == Open
}

// Attempts is the number of reconnects made since the last successful open.
func (s *Socket) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Socket) LastMessage() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Message{}, false
	}
	return *s.last, true
}

// LastJSONMessage returns the last frame if it parsed as JSON, nil otherwise.
func (s *Socket) LastJSONMessage() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastJSON
}

// Connect targets url, or the default URL when url is empty. Without either
// it does nothing. Connecting to a new URL tears down the current connection.
func (s *Socket) Connect(url string) {
	if url == "" {
		url = s.opts.DefaultURL
	}
	if url == "" {
		return
	}

	s.mu.Lock()
	if s.url == url && s.running {
		s.mu.Unlock()
		return
	}
	prevCancel, prevConn := s.cancel, s.conn
	ctx, cancel := context.WithCancel(context.Background())
	owner := &dialRun{url: url}
	s.url = url
	s.cancel = cancel
	s.owner = owner
	s.running = true
	s.conn = nil
	s.state = Connecting
	s.attempts = 0
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevConn != nil {
		s.closeConn(prevConn, CloseNormal, "Switching URL")
	}

	go s.run(ctx, url, owner)
}

// Disconnect closes the connection with code and reason and clears the URL so
// no reconnect follows. It is a no-op when nothing is connected.
func (s *Socket) Disconnect(code int, reason string) {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel, conn, url := s.cancel, s.conn, s.url
	s.url = ""
	s.cancel = nil
	s.owner = nil
	s.running = false
	s.conn = nil
	s.queue = nil
	s.attempts = 0
	s.state = Closing
	s.mu.Unlock()

	cancel()
	if conn != nil {
		s.closeConn(conn, code, reason)
	}

	s.mu.Lock()
	if s.cancel == nil {
		s.state = Uninstantiated
	}
	s.mu.Unlock()

	log.SocketClose(url, code, reason, false)
	if conn != nil && s.opts.OnClose != nil {
		s.opts.OnClose(code, reason)
	}
}

func (s *Socket) Close() {
	s.Disconnect(CloseNormal, DefaultCloseReason)
}

func (s *Socket) SendMessage(text string) {
	s.send(websocket.TextMessage, []byte(text), true)
}

func (s *Socket) SendJSONMessage(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.fireError(fmt.Errorf("encoding json message: %w", err))
		return
	}
	s.send(websocket.TextMessage, data, true)
}

// SendPing sends a ping envelope when connected and drops it otherwise.
func (s *Socket) SendPing(payload any) {
	if !s.IsConnected() {
		return
	}
	ping := Ping{
		Type:      "ping",
		Timestamp: s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Payload:   payload,
	}
	data, err := json.Marshal(ping)
	if err != nil {
		s.fireError(fmt.Errorf("encoding ping: %w", err))
		return
	}
	s.send(websocket.TextMessage, data, false)
}

func (s *Socket) send(typ int, data []byte, keep bool) {
	s.mu.Lock()
	conn := s.conn
	if s.state != Open || conn == nil {
		if keep && s.url != "" {
			if len(s.queue) >= s.opts.QueueSize {
				s.mu.Unlock()
				log.Warnf("socket queue full, dropping %d byte frame", len(data))
				return
			}
			s.queue = append(s.queue, frame{typ: typ, data: data})
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.write(conn, typ, data); err != nil {
		s.fireError(fmt.Errorf("write: %w", err))
	}
}

func (s *Socket) write(conn *websocket.Conn, typ int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(s.now().Add(writeWait))
	return conn.WriteMessage(typ, data)
}

func (s *Socket) closeConn(conn *websocket.Conn, code int, reason string) {
	s.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWait))
	s.writeMu.Unlock()
	conn.Close()
}

func (s *Socket) run(ctx context.Context, url string, owner *dialRun) {
	defer func() {
		s.mu.Lock()
		if s.owner == owner {
			s.running = false
		}
		s.mu.Unlock()
	}()

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.ReconnectInterval), uint64(s.opts.ReconnectAttempts)),
		ctx,
	)

	for {
		code, reason := s.connectOnce(ctx, url, owner, b)
		if ctx.Err() != nil {
			return
		}

		retry := ShouldReconnect(code)
		log.SocketClose(url, code, reason, retry)
		if s.opts.OnClose != nil {
			s.opts.OnClose(code, reason)
		}
		if !retry {
			return
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			if ctx.Err() != nil {
				return
			}
			attempts := s.Attempts()
			log.Warnf("socket: giving up on %s after %d reconnect attempts", url, attempts)
			if s.opts.OnReconnectStop != nil {
				s.opts.OnReconnectStop(attempts)
			}
			return
		}

		s.mu.Lock()
		if s.owner != owner {
			s.mu.Unlock()
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()
		log.SocketReconnect(url, attempt, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce dials, serves one connection until it closes and returns the
// close code. A failed dial reads as an abnormal closure.
func (s *Socket) connectOnce(ctx context.Context, url string, owner *dialRun, b backoff.BackOff) (int, string) {
	if !s.setState(owner, Connecting) {
		return CloseNormal, ""
	}

	conn, resp, err := s.dialer.DialContext(ctx, url, s.opts.Header)
	if err != nil {
		if ctx.Err() != nil {
			return CloseNormal, ""
		}
		if resp != nil {
			err = fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial %s: %w", url, err)
		}
		s.setState(owner, Closed)
		s.fireError(err)
		return CloseAbnormal, ""
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	if !s.adopt(owner, conn) {
		conn.Close()
		return CloseNormal, ""
	}
	b.Reset()
	log.SocketOpen(url)
	if s.opts.OnOpen != nil {
		s.opts.OnOpen()
	}

	code, reason := s.readLoop(ctx, conn)

	s.mu.Lock()
	if s.owner == owner {
		s.conn = nil
		s.state = Closed
	}
	s.mu.Unlock()
	conn.Close()
	return code, reason
}

// adopt installs conn, flushes frames queued while connecting and marks the
// socket open. It fails if a newer Connect or a Disconnect took over.
func (s *Socket) adopt(owner *dialRun, conn *websocket.Conn) bool {
	for {
		s.mu.Lock()
		if s.owner != owner {
			s.mu.Unlock()
			return false
		}
		if len(s.queue) == 0 {
			s.conn = conn
			s.state = Open
			s.attempts = 0
			s.mu.Unlock()
			return true
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.write(conn, f.typ, f.data); err != nil {
			s.fireError(fmt.Errorf("flushing queued frame: %w", err))
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) (int, string) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Text
			}
			if ctx.Err() == nil {
				s.fireError(fmt.Errorf("read: %w", err))
			}
			return CloseAbnormal, ""
		}

		msg := Message{Type: typ, Data: data, Received: s.now()}
		s.mu.Lock()
		s.last = &msg
		if json.Valid(data) {
			s.lastJSON = json.RawMessage(data)
		} else {
			s.lastJSON = nil
		}
		s.mu.Unlock()

		if s.opts.OnMessage != nil {
			s.opts.OnMessage(msg)
		}
	}
}

func (s *Socket) setState(owner *dialRun, state ReadyState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return false
	}
	s.state = state
	return true
}

func (s *Socket) fireError(err error) {
	log.Warnf("socket: %v", err)
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}
