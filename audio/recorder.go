package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"intervox/encoder"
)

var (
	ErrInvalidState = errors.New("recorder is not in a valid state for this operation")
	ErrNotSupported = errors.New("mime type not supported")
	ErrNoAudioTrack = errors.New("stream has no audio track")
)

type RecorderState int

const (
	RecorderInactive RecorderState = iota
	RecorderRecording
)

func (s RecorderState) String() string {
	if s == RecorderRecording {
		return "recording"
	}
	return "inactive"
}

// RecorderEvents are invoked from recorder goroutines. OnData receives slices
// in capture order and must not call back into the recorder.
type RecorderEvents struct {
	OnStart func()
	OnData  func(Blob)
	OnError func(error)
	OnStop  func()
}

type Recorder interface {
	Start(timeSlice time.Duration) error
	RequestData() error
	Stop() error
	State() RecorderState
	MimeType() string
}

// Platform is the media capability the streamer probes and records through.
type Platform interface {
	IsTypeSupported(mimeType string) bool
	NewRecorder(stream *MediaStream, mimeType string, events RecorderEvents) (Recorder, error)
}

type platform struct {
	sampleRate uint32
}

// NewPlatform returns a Platform that records with SliceRecorder and supports
// every container the encoder package provides.
func NewPlatform(sampleRate uint32) Platform {
	if sampleRate == 0 {
		sampleRate = encoder.SampleRate
	}
	return &platform{sampleRate: sampleRate}
}

func (p *platform) IsTypeSupported(mimeType string) bool {
	return encoder.Supported(mimeType)
}

func (p *platform) NewRecorder(stream *MediaStream, mimeType string, events RecorderEvents) (Recorder, error) {
	if !p.IsTypeSupported(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, mimeType)
	}
	return NewSliceRecorder(stream, mimeType, p.sampleRate, events)
}

// SliceRecorder records the first audio track of a stream and emits one
// encoded Blob per time slice.
type SliceRecorder struct {
	track      *Track
	device     CaptureDevice
	mimeType   string
	sampleRate uint32
	events     RecorderEvents

	mu     sync.Mutex
	state  RecorderState
	pcm    []int16
	stopCh chan struct{}
	done   chan struct{}
	lease  *deviceLease

	emitMu sync.Mutex
}

func NewSliceRecorder(stream *MediaStream, mimeType string, sampleRate uint32, events RecorderEvents) (*SliceRecorder, error) {
	if stream == nil {
		return nil, ErrNoAudioTrack
	}
	tracks := stream.AudioTracks()
	if len(tracks) == 0 || tracks[0].Device() == nil {
		return nil, ErrNoAudioTrack
	}
	return &SliceRecorder{
		track:      tracks[0],
		device:     tracks[0].Device(),
		mimeType:   mimeType,
		sampleRate: sampleRate,
		events:     events,
	}, nil
}

func (r *SliceRecorder) MimeType() string {
	return r.mimeType
}

func (r *SliceRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins capture. A non-positive timeSlice records a single slice that
// is only emitted by RequestData or Stop.
func (r *SliceRecorder) Start(timeSlice time.Duration) error {
	r.mu.Lock()
	if r.state != RecorderInactive {
		r.mu.Unlock()
		return ErrInvalidState
	}
	r.state = RecorderRecording
	r.pcm = nil
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	r.lease = &deviceLease{rec: r}
	stop, done, lease := r.stopCh, r.done, r.lease
	r.mu.Unlock()

	// devices may deliver samples synchronously from Start, so r.mu is not held here
	t := r.track
	t.mu.Lock()
	if t.lease != nil {
		// a failed recording has not released the device yet
		detach(r.device)
	}
	t.lease = lease
	r.device.SetCallback(r.onSamples)
	if er, ok := r.device.(ErrorReporter); ok {
		er.SetErrorCallback(r.fail)
	}
	if err := r.device.Start(); err != nil {
		detach(r.device)
		t.lease = nil
		t.mu.Unlock()
		r.mu.Lock()
		r.state = RecorderInactive
		r.mu.Unlock()
		close(done)
		return fmt.Errorf("starting capture: %w", err)
	}
	t.mu.Unlock()

	go r.run(timeSlice, stop, done)

	if r.events.OnStart != nil {
		r.events.OnStart()
	}
	return nil
}

func (r *SliceRecorder) run(timeSlice time.Duration, stop, done chan struct{}) {
	defer close(done)
	if timeSlice <= 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(timeSlice)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.flush(); err != nil {
				r.fail(err)
				return
			}
		}
	}
}

func (r *SliceRecorder) onSamples(data []byte, frameCount uint32) {
	n := len(data) / 2
	r.mu.Lock()
	for i := 0; i < n; i++ {
		r.pcm = append(r.pcm, int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	r.mu.Unlock()
}

// flush encodes whatever has been captured since the last slice. Slices with
// no samples are emitted as empty blobs.
func (r *SliceRecorder) flush() error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	samples := r.pcm
	r.pcm = nil
	r.mu.Unlock()

	var blob Blob
	if len(samples) == 0 {
		blob = NewBlob(nil, r.mimeType)
	} else {
		data, err := encoder.EncodeSlice(r.mimeType, r.sampleRate, samples)
		if err != nil {
			return fmt.Errorf("encoding slice: %w", err)
		}
		blob = NewBlob(data, r.mimeType)
	}
	if r.events.OnData != nil {
		r.events.OnData(blob)
	}
	return nil
}

func (r *SliceRecorder) RequestData() error {
	if r.State() != RecorderRecording {
		return ErrInvalidState
	}
	if err := r.flush(); err != nil {
		r.fail(err)
		return err
	}
	return nil
}

// Stop ends capture, emits the remaining samples as a final slice and then
// fires OnStop. It must not be called from inside an event callback.
func (r *SliceRecorder) Stop() error {
	r.mu.Lock()
	if r.state != RecorderRecording {
		r.mu.Unlock()
		return ErrInvalidState
	}
	r.state = RecorderInactive
	close(r.stopCh)
	done, lease := r.done, r.lease
	r.mu.Unlock()

	<-done
	r.release(lease)

	if err := r.flush(); err != nil && r.events.OnError != nil {
		r.events.OnError(err)
	}
	if r.events.OnStop != nil {
		r.events.OnStop()
	}
	return nil
}

// fail stops the recorder after a runtime error without emitting a final slice.
func (r *SliceRecorder) fail(err error) {
	r.mu.Lock()
	if r.state != RecorderRecording {
		r.mu.Unlock()
		return
	}
	r.state = RecorderInactive
	close(r.stopCh)
	lease := r.lease
	r.mu.Unlock()

	// device goroutines may be the caller, so release off-thread
	go r.release(lease)

	if r.events.OnError != nil {
		r.events.OnError(err)
	}
	if r.events.OnStop != nil {
		r.events.OnStop()
	}
}

// release detaches the device unless a newer recording has taken it over.
func (r *SliceRecorder) release(lease *deviceLease) {
	t := r.track
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lease != lease {
		return
	}
	t.lease = nil
	detach(r.device)
}

func detach(dev CaptureDevice) {
	dev.ClearCallback()
	if er, ok := dev.(ErrorReporter); ok {
		er.SetErrorCallback(nil)
	}
	dev.Stop()
}
