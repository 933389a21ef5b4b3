package main

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"intervox/audio"
	"intervox/config"
	"intervox/encoder"
	"intervox/interview"
	"intervox/log"
	"intervox/session"
	"intervox/socket"
	"intervox/streamer"
)

const (
	msgConnectFailed = "Failed to connect to WebSocket server. Check URL and server status."
	pingGreeting     = "Ping from client"
)

// appStatus is a point-in-time view of the whole pipeline for the UI.
type appStatus struct {
	Socket      socket.ReadyState
	URL         string
	Session     session.State
	CallActive  bool
	InterviewID string
	Stream      streamer.StreamingState
	Attempts    int
	SocketError string
	LastMessage string
	Notice      *session.Notification
	Device      string
}

func (s appStatus) String() string {
	line := fmt.Sprintf("socket=%s session=%s call=%v recording=%v mime=%s packets=%d attempts=%d",
		s.Socket, s.Session, s.CallActive, s.Stream.IsRecording, s.Stream.SupportedMimeType, s.Stream.PacketsSent, s.Attempts)
	if s.InterviewID != "" {
		line += " interview=" + s.InterviewID
	}
	if s.SocketError != "" {
		line += fmt.Sprintf(" socket_error=%q", s.SocketError)
	}
	if s.Stream.Error != "" {
		line += fmt.Sprintf(" stream_error=%q", s.Stream.Error)
	}
	return line
}

// app wires the socket, streamer and session coordinator the way the
// interview page does: audio flows only while the call is active and the
// socket is open.
type app struct {
	api      *interview.Client
	sock     *socket.Socket
	streamer *streamer.Streamer
	session  *session.Coordinator
	mic      *audio.MediaStream
	device   string

	// syncMu makes evaluating and applying the streamer condition atomic, so
	// a stale evaluation never lands after a fresh one.
	syncMu sync.Mutex

	mu          sync.Mutex
	socketError string
	attempts    int
	notice      *session.Notification
	changed     func()
}

func newApp(cfg *config.Config, store session.Store, mic *audio.MediaStream, device string) (*app, error) {
	a := &app{mic: mic, device: device}

	a.api = newAPIClient(cfg)

	a.sock = socket.New(socket.Options{
		DefaultURL:        cfg.Socket.DefaultURL,
		ReconnectAttempts: cfg.Socket.ReconnectAttempts,
		ReconnectInterval: cfg.Socket.ReconnectInterval,
		HandshakeTimeout:  cfg.Socket.HandshakeTimeout,
		OnOpen:            a.onOpen,
		OnClose:           a.onClose,
		OnError:           a.onError,
		OnMessage:         func(socket.Message) { a.notifyChange() },
		OnReconnectStop: func(attempts int) {
			log.Warnf("socket: stopped reconnecting after %d attempts", attempts)
			a.notifyChange()
		},
	})

	a.streamer = streamer.New(audio.NewPlatform(cfg.Audio.SampleRate), streamer.Options{
		TimeSlice: cfg.Audio.TimeSlice,
		MimeType:  cfg.Audio.MimeType,
		Probe:     append(slices.Clone(streamer.DefaultMimeTypes), encoder.MimeTypes()...),
		OnPacket:  a.forward,
	})

	coord, err := session.New(session.Options{
		Store:     store,
		API:       a.api,
		Transport: a.sock,
		Notify: func(n session.Notification) {
			a.mu.Lock()
			a.notice = &n
			a.mu.Unlock()
			a.notifyChange()
		},
		OnCallActive:   func(bool) { a.sync() },
		OnResumeStream: a.resumeStream,
		ResumeDelay:    cfg.Session.ResumeDelay,
		Request: interview.CreateRequest{
			Type:     cfg.Interview.Type,
			Language: cfg.Interview.Language,
		},
	})
	if err != nil {
		return nil, err
	}
	a.session = coord
	return a, nil
}

func newAPIClient(cfg *config.Config) *interview.Client {
	return interview.NewClient(cfg.API.BaseURL, cfg.API.Token,
		interview.WithTimeout(cfg.API.Timeout),
		interview.WithRetries(cfg.API.Retries))
}

// onChange registers fn to run after any state change. It must not block.
func (a *app) onChange(fn func()) {
	a.mu.Lock()
	a.changed = fn
	a.mu.Unlock()
}

func (a *app) notifyChange() {
	a.mu.Lock()
	fn := a.changed
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (a *app) onOpen() {
	a.mu.Lock()
	a.socketError = ""
	a.attempts = 0
	a.mu.Unlock()
	a.sock.SendPing(map[string]string{"message": pingGreeting})
	a.sync()
}

func (a *app) onClose(code int, reason string) {
	if code != socket.CloseNormal && code != socket.CloseGoingAway {
		if reason == "" {
			reason = "Unknown reason"
		}
		a.mu.Lock()
		a.socketError = fmt.Sprintf("Connection closed: %d - %s", code, reason)
		a.mu.Unlock()
	}
	a.sync()
}

func (a *app) onError(error) {
	a.mu.Lock()
	a.attempts++
	a.socketError = msgConnectFailed
	a.mu.Unlock()
	a.notifyChange()
}

// forward sends a packet only while the socket is open. Packets produced
// while it is reconnecting are dropped; their sequence gap is visible to
// the server.
func (a *app) forward(p streamer.AudioPacket) {
	if a.sock.IsConnected() {
		a.sock.SendJSONMessage(p)
	}
	a.notifyChange()
}

func (a *app) resumeStream() {
	a.streamer.SetStream(a.mic)
	a.sync()
}

// sync re-evaluates whether audio should flow.
func (a *app) sync() {
	a.syncMu.Lock()
	a.streamer.SetActive(a.session.IsCallActive() && a.sock.IsConnected())
	a.syncMu.Unlock()
	a.notifyChange()
}

func (a *app) mount(ctx context.Context) {
	a.session.Mount(ctx)
}

func (a *app) toggle(ctx context.Context, on bool) {
	if on {
		a.streamer.SetStream(a.mic)
	}
	a.session.HandleStreamToggle(ctx, on)
	a.sync()
}

func (a *app) status() appStatus {
	st := appStatus{
		Socket:      a.sock.ReadyState(),
		URL:         a.sock.URL(),
		Session:     a.session.State(),
		CallActive:  a.session.IsCallActive(),
		InterviewID: a.session.InterviewID(),
		Stream:      a.streamer.Snapshot(),
		Device:      a.device,
	}
	if msg, ok := a.sock.LastMessage(); ok {
		st.LastMessage = msg.Text()
	}
	a.mu.Lock()
	st.Attempts = a.attempts
	st.SocketError = a.socketError
	if a.notice != nil {
		n := *a.notice
		st.Notice = &n
	}
	a.mu.Unlock()
	return st
}

// close stops audio and the socket but keeps the session record, so an
// active call resumes on the next run.
func (a *app) close() {
	a.session.Close()
	a.streamer.Close()
	a.sock.Disconnect(socket.CloseGoingAway, "Client shutting down")
}
