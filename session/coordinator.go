package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"intervox/interview"
	"intervox/log"
	"intervox/socket"
)

const (
	MsgResumed        = "Resumed your interview session"
	MsgStartFailed    = "Failed to start interview. Please try again."
	MsgCompleteFailed = "Failed to mark the interview as completed"

	CallEndedReason    = "Call ended"
	DefaultResumeDelay = 100 * time.Millisecond
)

// Transport is the part of socket.Socket the coordinator drives.
type Transport interface {
	Connect(url string)
	Disconnect(code int, reason string)
}

// InterviewAPI is the part of interview.Client the coordinator calls.
type InterviewAPI interface {
	CreateInterview(ctx context.Context, req interview.CreateRequest) (interview.CreateResponse, error)
	UpdateInterview(ctx context.Context, id string, req interview.UpdateRequest) error
}

type Level int

const (
	LevelSuccess Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// Notification is a user-facing message, shown by the caller as a toast.
type Notification struct {
	Level   Level
	Message string
}

type State int

const (
	Idle State = iota
	Creating
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

type Options struct {
	Store     Store
	API       InterviewAPI
	Transport Transport

	Notify         func(Notification)
	OnResumeStream func()
	OnCallActive   func(active bool)

	ResumeDelay time.Duration
	Request     interview.CreateRequest
}

// Coordinator ties interview creation, the transport connection and the
// persisted record together. At most one toggle runs at a time.
type Coordinator struct {
	opts      Options
	mountOnce sync.Once
	busy      atomic.Bool

	mu          sync.Mutex
	state       State
	callActive  bool
	inputURL    string
	interviewID string
	resumeTimer *time.Timer
}

func New(opts Options) (*Coordinator, error) {
	if opts.API == nil {
		return nil, errors.New("session: interview API is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = DefaultResumeDelay
	}
	if opts.Request.Type == "" {
		opts.Request.Type = "technical"
	}
	if opts.Request.Language == "" {
		opts.Request.Language = "English"
	}
	return &Coordinator{opts: opts}, nil
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) IsCallActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callActive
}

// InputURL is the entrypoint of the current interview, or "".
func (c *Coordinator) InputURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputURL
}

func (c *Coordinator) InterviewID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interviewID
}

// Mount restores a persisted session. Only the first call does anything.
func (c *Coordinator) Mount(ctx context.Context) {
	c.mountOnce.Do(func() { c.resume(ctx) })
}

func (c *Coordinator) resume(ctx context.Context) {
	rec, err := c.opts.Store.Get(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoRecord) {
			log.Warnf("session: read record: %v", err)
		}
		return
	}

	c.mu.Lock()
	c.state = Active
	c.inputURL = rec.InterviewURL
	c.interviewID = rec.InterviewID
	c.mu.Unlock()
	c.setCallActive(true)

	c.opts.Transport.Connect(rec.InterviewURL)
	if rec.IsStreaming && c.opts.OnResumeStream != nil {
		c.mu.Lock()
		c.resumeTimer = time.AfterFunc(c.opts.ResumeDelay, c.opts.OnResumeStream)
		c.mu.Unlock()
	}
	c.notify(LevelSuccess, MsgResumed)
	log.SessionStart(rec.InterviewID, rec.InterviewURL, true)
	log.SessionLine("resumed", rec.InterviewID, rec.InterviewURL)
}

// HandleStreamToggle starts a call when streaming is true and ends it
// otherwise. A toggle that arrives while another is in flight is ignored.
func (c *Coordinator) HandleStreamToggle(ctx context.Context, streaming bool) {
	if !c.busy.CompareAndSwap(false, true) {
		log.Debugf("session: toggle(%v) ignored, another toggle is in flight", streaming)
		return
	}
	defer c.busy.Store(false)

	if streaming {
		c.start(ctx)
	} else {
		c.stop(ctx)
	}
}

func (c *Coordinator) start(ctx context.Context) {
	c.mu.Lock()
	if c.state == Active {
		c.mu.Unlock()
		return
	}
	c.state = Creating
	c.mu.Unlock()
	c.setCallActive(true)

	resp, err := c.opts.API.CreateInterview(ctx, c.opts.Request)
	if err == nil {
		err = c.opts.Store.SetAll(ctx, Record{
			InterviewID:  resp.InterviewID,
			InterviewURL: resp.Entrypoint,
			IsStreaming:  true,
		})
	}
	if err != nil {
		log.Errorf("session: start interview: %v", err)
		log.SessionLine("failed", resp.InterviewID, err.Error())
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
		c.setCallActive(false)
		c.notify(LevelError, MsgStartFailed)
		return
	}

	c.mu.Lock()
	c.state = Active
	c.inputURL = resp.Entrypoint
	c.interviewID = resp.InterviewID
	c.mu.Unlock()

	c.opts.Transport.Connect(resp.Entrypoint)
	log.SessionStart(resp.InterviewID, resp.Entrypoint, false)
	log.SessionLine("started", resp.InterviewID, resp.Entrypoint)
}

func (c *Coordinator) stop(ctx context.Context) {
	c.mu.Lock()
	c.state = Stopping
	c.stopResumeTimer()
	c.mu.Unlock()
	c.setCallActive(false)

	c.opts.Transport.Disconnect(socket.CloseNormal, CallEndedReason)

	defer func() {
		c.mu.Lock()
		c.state = Idle
		c.inputURL = ""
		c.interviewID = ""
		c.mu.Unlock()
	}()

	rec, err := c.opts.Store.Get(ctx)
	if errors.Is(err, ErrNoRecord) {
		// drop any partial keys so the store is never left half-written
		c.clear(ctx)
		return
	}
	if err != nil {
		log.Warnf("session: read record: %v", err)
		c.clear(ctx)
		return
	}

	err = c.opts.API.UpdateInterview(ctx, rec.InterviewID, interview.UpdateRequest{Status: interview.StatusCompleted})
	if err != nil {
		log.Errorf("session: complete interview %s: %v", rec.InterviewID, err)
		c.notify(LevelWarning, MsgCompleteFailed)
	}
	c.clear(ctx)
	log.SessionEnd(rec.InterviewID, err == nil)
	if err != nil {
		log.SessionLine("failed", rec.InterviewID, err.Error())
	} else {
		log.SessionLine("completed", rec.InterviewID, "")
	}
}

func (c *Coordinator) clear(ctx context.Context) {
	if err := c.opts.Store.ClearAll(ctx); err != nil {
		log.Errorf("session: clear record: %v", err)
	}
}

// Close cancels a pending resume callback. The persisted record is kept so
// the next run can resume it.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.stopResumeTimer()
	c.mu.Unlock()
}

func (c *Coordinator) stopResumeTimer() {
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.resumeTimer = nil
	}
}

func (c *Coordinator) setCallActive(active bool) {
	c.mu.Lock()
	c.callActive = active
	c.mu.Unlock()
	if c.opts.OnCallActive != nil {
		c.opts.OnCallActive(active)
	}
}

func (c *Coordinator) notify(level Level, msg string) {
	if c.opts.Notify != nil {
		c.opts.Notify(Notification{Level: level, Message: msg})
	}
}
