package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intervox/interview"
)

type disconnectCall struct {
	code   int
	reason string
}

type fakeTransport struct {
	mu          sync.Mutex
	connects    []string
	disconnects []disconnectCall
}

func (f *fakeTransport) Connect(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, url)
}

func (f *fakeTransport) Disconnect(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, disconnectCall{code, reason})
}

func (f *fakeTransport) connected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

func (f *fakeTransport) disconnected() []disconnectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]disconnectCall(nil), f.disconnects...)
}

type updateCall struct {
	id  string
	req interview.UpdateRequest
}

type fakeAPI struct {
	mu        sync.Mutex
	creates   []interview.CreateRequest
	updates   []updateCall
	createErr error
	updateErr error
	// entered and release, when set, hold CreateInterview open.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeAPI) CreateInterview(_ context.Context, req interview.CreateRequest) (interview.CreateResponse, error) {
	f.mu.Lock()
	f.creates = append(f.creates, req)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.createErr != nil {
		return interview.CreateResponse{}, f.createErr
	}
	return interview.CreateResponse{InterviewID: "i1", Entrypoint: "wss://x"}, nil
}

func (f *fakeAPI) UpdateInterview(_ context.Context, id string, req interview.UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{id, req})
	return f.updateErr
}

func (f *fakeAPI) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeAPI) updateCalls() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]updateCall(nil), f.updates...)
}

type harness struct {
	c         *Coordinator
	api       *fakeAPI
	transport *fakeTransport
	store     *MemoryStore

	mu      sync.Mutex
	notes   []Notification
	active  []bool
	resumed atomic.Int32
}

func newHarness(t *testing.T, store *MemoryStore, api *fakeAPI) *harness {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	if api == nil {
		api = &fakeAPI{}
	}
	h := &harness{api: api, transport: &fakeTransport{}, store: store}
	c, err := New(Options{
		Store:     store,
		API:       api,
		Transport: h.transport,
		Notify: func(n Notification) {
			h.mu.Lock()
			h.notes = append(h.notes, n)
			h.mu.Unlock()
		},
		OnCallActive: func(active bool) {
			h.mu.Lock()
			h.active = append(h.active, active)
			h.mu.Unlock()
		},
		OnResumeStream: func() { h.resumed.Add(1) },
		ResumeDelay:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	h.c = c
	return h
}

func (h *harness) notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.notes...)
}

func (h *harness) activeCalls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.active...)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Transport: &fakeTransport{}})
	assert.Error(t, err)
	_, err = New(Options{API: &fakeAPI{}})
	assert.Error(t, err)
}

func TestStartCreatesAndConnects(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.c.HandleStreamToggle(context.Background(), true)

	assert.Equal(t, Active, h.c.State())
	assert.True(t, h.c.IsCallActive())
	assert.Equal(t, "wss://x", h.c.InputURL())
	assert.Equal(t, "i1", h.c.InterviewID())
	assert.Equal(t, []string{"wss://x"}, h.transport.connected())
	assert.Equal(t, []interview.CreateRequest{{Type: "technical", Language: "English"}}, h.api.creates)
	assert.Equal(t, map[string]string{
		KeyInterviewID:  "i1",
		KeyInterviewURL: "wss://x",
		KeyIsStreaming:  "true",
	}, h.store.Values())
	assert.Equal(t, []bool{true}, h.activeCalls())
	assert.Empty(t, h.notifications())
}

func TestStartFailureReverts(t *testing.T) {
	h := newHarness(t, nil, &fakeAPI{createErr: errors.New("502 bad gateway")})

	h.c.HandleStreamToggle(context.Background(), true)

	assert.Equal(t, Idle, h.c.State())
	assert.False(t, h.c.IsCallActive())
	assert.Empty(t, h.c.InputURL())
	assert.Empty(t, h.transport.connected())
	assert.Empty(t, h.store.Values())
	assert.Equal(t, []bool{true, false}, h.activeCalls())
	assert.Equal(t, []Notification{{Level: LevelError, Message: MsgStartFailed}}, h.notifications())
}

func TestConcurrentToggleCreatesOnce(t *testing.T) {
	api := &fakeAPI{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, nil, api)

	done := make(chan struct{})
	go func() {
		h.c.HandleStreamToggle(context.Background(), true)
		close(done)
	}()
	<-api.entered
	assert.Equal(t, Creating, h.c.State())

	h.c.HandleStreamToggle(context.Background(), true)
	h.c.HandleStreamToggle(context.Background(), false)
	close(api.release)
	<-done

	assert.Equal(t, 1, api.createCount())
	assert.Empty(t, h.transport.disconnected())
	assert.Equal(t, Active, h.c.State())
}

func TestStartWhileActiveIsIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.c.HandleStreamToggle(context.Background(), true)
	h.c.HandleStreamToggle(context.Background(), true)

	assert.Equal(t, 1, h.api.createCount())
	assert.Equal(t, []string{"wss://x"}, h.transport.connected())
}

func TestMountResumesSession(t *testing.T) {
	store := NewMemoryStoreFrom(map[string]string{
		KeyInterviewID:  "i1",
		KeyInterviewURL: "wss://x",
		KeyIsStreaming:  "true",
	})
	h := newHarness(t, store, nil)

	h.c.Mount(context.Background())
	h.c.Mount(context.Background())

	assert.True(t, h.c.IsCallActive())
	assert.Equal(t, Active, h.c.State())
	assert.Equal(t, "wss://x", h.c.InputURL())
	assert.Equal(t, []string{"wss://x"}, h.transport.connected())
	assert.Equal(t, 0, h.api.createCount())
	assert.Equal(t, []Notification{{Level: LevelSuccess, Message: MsgResumed}}, h.notifications())
	require.Eventually(t, func() bool { return h.resumed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMountWithoutStreamingFlag(t *testing.T) {
	store := NewMemoryStoreFrom(map[string]string{
		KeyInterviewID:  "i1",
		KeyInterviewURL: "wss://x",
	})
	h := newHarness(t, store, nil)

	h.c.Mount(context.Background())

	assert.True(t, h.c.IsCallActive())
	assert.Never(t, func() bool { return h.resumed.Load() > 0 }, 60*time.Millisecond, 5*time.Millisecond)
}

func TestMountIgnoresPartialRecord(t *testing.T) {
	store := NewMemoryStoreFrom(map[string]string{KeyInterviewID: "i1", KeyIsStreaming: "true"})
	h := newHarness(t, store, nil)

	h.c.Mount(context.Background())

	assert.False(t, h.c.IsCallActive())
	assert.Equal(t, Idle, h.c.State())
	assert.Empty(t, h.transport.connected())
	assert.Empty(t, h.notifications())
}

func TestCloseCancelsResume(t *testing.T) {
	store := NewMemoryStoreFrom(map[string]string{
		KeyInterviewID:  "i1",
		KeyInterviewURL: "wss://x",
		KeyIsStreaming:  "true",
	})
	h := newHarness(t, store, nil)
	h.c.opts.ResumeDelay = 50 * time.Millisecond

	h.c.Mount(context.Background())
	h.c.Close()

	assert.Never(t, func() bool { return h.resumed.Load() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.NotEmpty(t, store.Values(), "close keeps the record for the next run")
}

func TestStopWithoutRecord(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.c.HandleStreamToggle(context.Background(), false)

	assert.Equal(t, []disconnectCall{{1000, CallEndedReason}}, h.transport.disconnected())
	assert.Empty(t, h.api.updateCalls())
	assert.Equal(t, Idle, h.c.State())
	assert.False(t, h.c.IsCallActive())
}

func TestStopDropsPartialRecord(t *testing.T) {
	store := NewMemoryStoreFrom(map[string]string{KeyInterviewID: "i1", KeyIsStreaming: "true"})
	h := newHarness(t, store, nil)

	h.c.HandleStreamToggle(context.Background(), false)

	assert.Empty(t, h.api.updateCalls())
	assert.Empty(t, store.Values())
	assert.Equal(t, Idle, h.c.State())
}

func TestStopCompletesAndClears(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.c.HandleStreamToggle(context.Background(), true)

	h.c.HandleStreamToggle(context.Background(), false)

	assert.Equal(t, []disconnectCall{{1000, CallEndedReason}}, h.transport.disconnected())
	assert.Equal(t, []updateCall{{"i1", interview.UpdateRequest{Status: interview.StatusCompleted}}}, h.api.updateCalls())
	assert.Empty(t, h.store.Values())
	assert.Equal(t, Idle, h.c.State())
	assert.Empty(t, h.c.InputURL())
	assert.Equal(t, []bool{true, false}, h.activeCalls())
}

func TestStopClearsEvenWhenUpdateFails(t *testing.T) {
	h := newHarness(t, nil, &fakeAPI{updateErr: errors.New("timeout")})
	h.c.HandleStreamToggle(context.Background(), true)

	h.c.HandleStreamToggle(context.Background(), false)

	assert.Len(t, h.api.updateCalls(), 1)
	assert.Empty(t, h.store.Values())
	assert.Equal(t, []Notification{{Level: LevelWarning, Message: MsgCompleteFailed}}, h.notifications())

	h.c.HandleStreamToggle(context.Background(), true)
	assert.Equal(t, 2, h.api.createCount(), "a new call can start after a failed completion")
}

func TestStopCancelsPendingResume(t *testing.T) {
	store := NewMemoryStoreFrom(map[string]string{
		KeyInterviewID:  "i1",
		KeyInterviewURL: "wss://x",
		KeyIsStreaming:  "true",
	})
	h := newHarness(t, store, nil)
	h.c.opts.ResumeDelay = 50 * time.Millisecond

	h.c.Mount(context.Background())
	h.c.HandleStreamToggle(context.Background(), false)

	assert.Never(t, func() bool { return h.resumed.Load() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Len(t, h.api.updateCalls(), 1)
}
