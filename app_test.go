package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intervox/audio"
	"intervox/config"
	"intervox/session"
	"intervox/socket"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type frame struct {
	Type           string          `json:"type"`
	Data           string          `json:"data"`
	MimeType       string          `json:"mimeType"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"payload"`
}

// interviewServer is a WebSocket entrypoint plus the interview API.
type interviewServer struct {
	ws  *httptest.Server
	api *httptest.Server

	mu       sync.Mutex
	frames   []frame
	closes   []int
	creates  int
	statuses []string
}

func newInterviewServer(t *testing.T) *interviewServer {
	t.Helper()
	s := &interviewServer{}
	upgrader := websocket.Upgrader{}
	s.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"welcome"}`))
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					s.mu.Lock()
					s.closes = append(s.closes, ce.Code)
					s.mu.Unlock()
				}
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				s.mu.Lock()
				s.frames = append(s.frames, f)
				s.mu.Unlock()
			}
		}
	}))
	t.Cleanup(s.ws.Close)

	s.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/api/ai/interviews":
			s.creates++
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"interviewID": "i1", "entrypoint": s.wsURL()})
		case r.Method == http.MethodPut && r.URL.Path == "/v1/api/ai/interviews/i1":
			var body struct{ Status string }
			json.NewDecoder(r.Body).Decode(&body)
			s.statuses = append(s.statuses, body.Status)
			io.WriteString(w, `{}`)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/api/ai/interviews/i1":
			status := "in_progress"
			if n := len(s.statuses); n > 0 {
				status = s.statuses[n-1]
			}
			json.NewEncoder(w).Encode(map[string]string{"interview_id": "i1", "status": status})
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"statusCode":404,"message":"not found"}`)
		}
	}))
	t.Cleanup(s.api.Close)
	return s
}

func (s *interviewServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.ws.URL, "http")
}

func (s *interviewServer) received(typ string) []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []frame
	for _, f := range s.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (s *interviewServer) closeCodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.closes...)
}

func (s *interviewServer) completions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statuses...)
}

func (s *interviewServer) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

func testConfig(apiURL string) *config.Config {
	return &config.Config{
		API: config.APIConfig{BaseURL: apiURL, Timeout: 5 * time.Second},
		Socket: config.SocketConfig{
			ReconnectAttempts: 2,
			ReconnectInterval: 50 * time.Millisecond,
			HandshakeTimeout:  2 * time.Second,
		},
		Audio: config.AudioConfig{
			TimeSlice:  50 * time.Millisecond,
			MimeType:   "audio/wav",
			SampleRate: 16000,
		},
		Interview: config.InterviewConfig{Type: "technical", Language: "English"},
		Session:   config.SessionConfig{ResumeDelay: 10 * time.Millisecond, Store: "memory"},
	}
}

func sinePCM(seconds float64) []byte {
	n := int(16000 * seconds)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func newTestApp(t *testing.T, cfg *config.Config, store session.Store) *app {
	t.Helper()
	mic, err := audio.OpenMicrophone(audio.NewFakeContextPCM(sinePCM(5), true), nil, audio.CaptureConfig{
		SampleRate: 16000, Channels: 1,
	})
	require.NoError(t, err)
	a, err := newApp(cfg, store, mic, "fake")
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func assertContiguous(t *testing.T, packets []frame) {
	t.Helper()
	for i, p := range packets {
		assert.Equal(t, uint64(i), p.SequenceNumber)
		assert.Equal(t, "audio/wav", p.MimeType)
		assert.NotEmpty(t, p.Data)
	}
}

func TestCallStreamsAudio(t *testing.T) {
	srv := newInterviewServer(t)
	store := session.NewMemoryStore()
	a := newTestApp(t, testConfig(srv.api.URL), store)
	ctx := context.Background()

	a.mount(ctx)
	a.toggle(ctx, true)
	require.True(t, a.session.IsCallActive())
	assert.Equal(t, srv.wsURL(), a.sock.URL())

	require.Eventually(t, func() bool { return len(srv.received("audio")) >= 3 }, waitFor, tick)
	pings := srv.received("ping")
	require.Len(t, pings, 1)
	assert.JSONEq(t, `{"message":"Ping from client"}`, string(pings[0].Payload))
	require.Eventually(t, func() bool { return a.status().LastMessage == `{"type":"welcome"}` }, waitFor, tick)

	a.toggle(ctx, false)
	assert.False(t, a.session.IsCallActive())
	assert.False(t, a.streamer.IsRecording())
	assert.Equal(t, []string{"completed"}, srv.completions())
	assert.Empty(t, store.Values())
	require.Eventually(t, func() bool { return len(srv.closeCodes()) == 1 }, waitFor, tick)
	assert.Equal(t, []int{socket.CloseNormal}, srv.closeCodes())

	assertContiguous(t, srv.received("audio"))
	st := a.status()
	assert.Empty(t, st.SocketError)
	assert.Equal(t, session.Idle, st.Session)
	assert.Equal(t, socket.Uninstantiated, st.Socket)
}

func TestResumeAfterRestart(t *testing.T) {
	srv := newInterviewServer(t)
	store := session.NewMemoryStoreFrom(map[string]string{
		session.KeyInterviewID:  "i1",
		session.KeyInterviewURL: srv.wsURL(),
		session.KeyIsStreaming:  "true",
	})
	a := newTestApp(t, testConfig(srv.api.URL), store)

	a.mount(context.Background())

	require.Eventually(t, func() bool { return len(srv.received("audio")) >= 2 }, waitFor, tick)
	assert.Equal(t, 0, srv.createCount())
	st := a.status()
	require.NotNil(t, st.Notice)
	assert.Equal(t, session.MsgResumed, st.Notice.Message)
	assert.Equal(t, "i1", st.InterviewID)
}

func TestQuitKeepsRecord(t *testing.T) {
	srv := newInterviewServer(t)
	store := session.NewMemoryStore()
	a := newTestApp(t, testConfig(srv.api.URL), store)

	a.toggle(context.Background(), true)
	require.Eventually(t, func() bool { return len(srv.received("audio")) >= 1 }, waitFor, tick)
	a.close()

	assert.Empty(t, srv.completions())
	assert.Equal(t, "i1", store.Values()[session.KeyInterviewID])
	require.Eventually(t, func() bool { return len(srv.closeCodes()) == 1 }, waitFor, tick)
	assert.Equal(t, []int{socket.CloseGoingAway}, srv.closeCodes())
}

func TestStartFailureNotifies(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(api.Close)
	a := newTestApp(t, testConfig(api.URL), session.NewMemoryStore())

	a.toggle(context.Background(), true)

	st := a.status()
	assert.False(t, st.CallActive)
	assert.False(t, st.Stream.IsRecording)
	require.NotNil(t, st.Notice)
	assert.Equal(t, session.Notification{Level: session.LevelError, Message: session.MsgStartFailed}, *st.Notice)
}

func TestSocketErrors(t *testing.T) {
	a := newTestApp(t, testConfig("http://127.0.0.1:1"), session.NewMemoryStore())

	a.onClose(socket.CloseNormal, "")
	assert.Empty(t, a.status().SocketError)
	a.onClose(socket.CloseGoingAway, "bye")
	assert.Empty(t, a.status().SocketError)

	a.onClose(4001, "")
	assert.Equal(t, "Connection closed: 4001 - Unknown reason", a.status().SocketError)
	a.onClose(socket.CloseAbnormal, "lost")
	assert.Equal(t, "Connection closed: 1006 - lost", a.status().SocketError)

	a.onError(nil)
	a.onError(nil)
	st := a.status()
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, msgConnectFailed, st.SocketError)

	a.onOpen()
	st = a.status()
	assert.Zero(t, st.Attempts)
	assert.Empty(t, st.SocketError)
}

func TestDriveCommands(t *testing.T) {
	srv := newInterviewServer(t)
	a := newTestApp(t, testConfig(srv.api.URL), session.NewMemoryStore())

	in := strings.NewReader("start\nsleep 200\nstatus\nstop\nstatus\nbogus\nquit\nstart\n")
	var out bytes.Buffer
	code := drive(context.Background(), a, in, &out)

	assert.Zero(t, code)
	text := out.String()
	assert.Contains(t, text, "session=active call=true")
	assert.Contains(t, text, "interview i1 status=in_progress")
	assert.Contains(t, text, "session=idle call=false")
	assert.Contains(t, text, `unknown command "bogus"`)
	assert.Equal(t, 1, srv.createCount(), "commands after quit are not run")
	assert.Equal(t, []string{"completed"}, srv.completions())
}
