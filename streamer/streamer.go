// Package streamer turns a live media stream into a sequence of base64 audio
// packets, one per recorded slice.
package streamer

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"intervox/audio"
	"intervox/log"
)

const DefaultTimeSlice = 100 * time.Millisecond

// DefaultMimeTypes is the probe order used when no preferred type is
// configured or the preferred type is unsupported.
var DefaultMimeTypes = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/ogg;codecs=opus",
	"audio/mp4",
	"audio/mpeg",
}

const (
	MsgNoStream      = "No media stream available"
	MsgNoAudioTracks = "No audio tracks in stream"
	MsgNoMimeType    = "No supported audio MIME type found"
	MsgStartFailed   = "Failed to start recording"
	MsgChunkFailed   = "Error processing audio chunk"
	MsgRecorderError = "MediaRecorder error occurred"
	MsgStopFailed    = "Error stopping recording"
)

const sliceQueue = 64

type State int

const (
	Idle State = iota
	Starting
	Recording
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type AudioPacket struct {
	Type           string `json:"type"`
	Data           string `json:"data"`
	Timestamp      int64  `json:"timestamp"`
	MimeType       string `json:"mimeType"`
	SequenceNumber uint64 `json:"sequenceNumber"`
}

type StreamingState struct {
	IsRecording       bool
	PacketsSent       uint64
	SupportedMimeType string
	Error             string
}

type PacketFunc func(AudioPacket)

type Options struct {
	TimeSlice time.Duration
	// MimeType is used when the platform supports it; otherwise Probe is tried in order.
	MimeType string
	Probe    []string
	OnPacket PacketFunc
	Now      func() time.Time
}

type Streamer struct {
	platform audio.Platform
	opts     Options
	onPacket atomic.Pointer[PacketFunc]

	// opMu serializes start/stop transitions. Recorder calls happen under
	// opMu only, never under mu, because recorder events take mu.
	opMu   sync.Mutex
	stream *audio.MediaStream
	active bool
	closed bool

	mu    sync.Mutex
	state State
	snap  StreamingState
	rec   audio.Recorder
	epoch *epoch
}

func New(platform audio.Platform, opts Options) *Streamer {
	if opts.TimeSlice <= 0 {
		opts.TimeSlice = DefaultTimeSlice
	}
	if opts.Probe == nil {
		opts.Probe = DefaultMimeTypes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Streamer{platform: platform, opts: opts}
	s.SetOnPacket(opts.OnPacket)
	return s
}

// SetOnPacket replaces the packet callback. Slices processed after the call
// use the new callback, including those of a recording already in progress.
func (s *Streamer) SetOnPacket(fn PacketFunc) {
	s.onPacket.Store(&fn)
}

func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Streamer) Snapshot() StreamingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Streamer) IsRecording() bool {
	return s.Snapshot().IsRecording
}

// SetStream swaps the input stream. Recording restarts on the new stream
// when the streamer is active.
func (s *Streamer) SetStream(stream *audio.MediaStream) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.stream == stream || s.closed {
		return
	}
	s.stream = stream
	s.reconcile()
}

// SetActive starts recording when active and a stream is present, and stops
// it otherwise.
func (s *Streamer) SetActive(active bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.active == active || s.closed {
		return
	}
	s.active = active
	s.reconcile()
}

func (s *Streamer) reconcile() {
	s.stop()
	if s.active && s.stream != nil {
		s.start()
	}
}

func (s *Streamer) StartStreaming() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return
	}
	s.start()
}

func (s *Streamer) StopStreaming() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stop()
}

// Close force-stops any recorder and makes further transitions no-ops.
func (s *Streamer) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	s.mu.Lock()
	rec, ep := s.rec, s.epoch
	s.rec = nil
	s.snap.IsRecording = false
	if s.state == Recording || s.state == Starting {
		s.state = Idle
	}
	s.mu.Unlock()

	if rec != nil {
		rec.Stop()
	}
	if ep != nil {
		ep.finish()
		<-ep.done
	}
	log.StreamStop("teardown")
}

func (s *Streamer) resolveMimeType() string {
	if s.opts.MimeType != "" && s.platform.IsTypeSupported(s.opts.MimeType) {
		return s.opts.MimeType
	}
	for _, t := range s.opts.Probe {
		if s.platform.IsTypeSupported(t) {
			return t
		}
	}
	return ""
}

func (s *Streamer) fail(msg string) {
	s.mu.Lock()
	s.state = Error
	s.snap.Error = msg
	s.snap.IsRecording = false
	s.mu.Unlock()
	log.Warnf("streamer: %s", msg)
}

func (s *Streamer) start() {
	s.mu.Lock()
	if s.state == Recording || s.state == Starting {
		s.mu.Unlock()
		return
	}
	s.state = Starting
	s.mu.Unlock()

	if s.stream == nil {
		s.fail(MsgNoStream)
		return
	}
	tracks := s.stream.AudioTracks()
	if len(tracks) == 0 {
		s.fail(MsgNoAudioTracks)
		return
	}
	mimeType := s.resolveMimeType()
	if mimeType == "" {
		s.fail(MsgNoMimeType)
		return
	}

	ep := newEpoch(mimeType, s.opts.Now())
	s.mu.Lock()
	s.snap.SupportedMimeType = mimeType
	s.snap.Error = ""
	s.snap.PacketsSent = 0
	s.epoch = ep
	s.mu.Unlock()
	go s.process(ep)

	events := audio.RecorderEvents{
		OnStart: func() { s.recorderStarted(ep) },
		OnData:  ep.push,
		OnError: func(err error) { s.recorderError(ep, err) },
		OnStop:  ep.finish,
	}
	rec, err := s.platform.NewRecorder(audio.NewMediaStream(tracks...), mimeType, events)
	if err == nil {
		err = rec.Start(s.opts.TimeSlice)
	}
	if err != nil {
		ep.finish()
		s.fail(fmt.Sprintf("%s: %v", MsgStartFailed, err))
		return
	}

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
	log.StreamStart(mimeType, s.opts.TimeSlice)
}

// recorderStarted marks the epoch as recording once its recorder confirms.
func (s *Streamer) recorderStarted(ep *epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != ep || s.state != Starting {
		return
	}
	s.state = Recording
	s.snap.IsRecording = true
}

func (s *Streamer) stop() {
	s.mu.Lock()
	rec, ep := s.rec, s.epoch
	s.rec = nil
	s.mu.Unlock()

	failed := false
	if rec != nil && rec.State() != audio.RecorderInactive {
		// flush the partial slice before stopping so it is not lost
		if err := rec.RequestData(); err != nil {
			failed = true
		}
		if err := rec.Stop(); err != nil {
			failed = true
		}
	}
	if ep != nil {
		ep.finish()
		<-ep.done
	}

	s.mu.Lock()
	s.snap.IsRecording = false
	if failed {
		s.state = Error
		s.snap.Error = MsgStopFailed
	} else if s.state == Recording || s.state == Starting {
		s.state = Idle
	}
	s.mu.Unlock()
	if rec != nil {
		log.StreamStop("stopped")
	}
}

func (s *Streamer) recorderError(ep *epoch, err error) {
	log.Errorf("streamer: recorder error: %v", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != ep {
		return
	}
	s.state = Error
	s.snap.Error = MsgRecorderError
	s.snap.IsRecording = false
}

// process converts slices in arrival order so that packets leave in
// sequence-number order.
func (s *Streamer) process(ep *epoch) {
	defer close(ep.done)
	defer ep.logMetrics(s.opts.Now)

	var seq uint64
	for blob := range ep.slices {
		if blob.Size() == 0 {
			ep.skipped++
			continue
		}

		start := time.Now()
		data, err := toBase64(blob)
		ep.convert += time.Since(start)
		if err != nil {
			ep.failed++
			log.Warnf("streamer: converting slice: %v", err)
			s.mu.Lock()
			if s.epoch == ep {
				s.snap.Error = MsgChunkFailed
			}
			s.mu.Unlock()
			continue
		}

		pkt := AudioPacket{
			Type:           "audio",
			Data:           data,
			Timestamp:      s.opts.Now().UnixMilli(),
			MimeType:       ep.mimeType,
			SequenceNumber: seq,
		}
		seq++

		if fn := s.onPacket.Load(); fn != nil && *fn != nil {
			(*fn)(pkt)
		}
		ep.packets++
		ep.bytes += blob.Size()

		s.mu.Lock()
		if s.epoch == ep {
			s.snap.PacketsSent++
		}
		s.mu.Unlock()
	}
}

func toBase64(blob audio.Blob) (string, error) {
	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(blob.Size()))
	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	if _, err := io.Copy(enc, blob.Reader()); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// epoch is one startStreaming run: its slice queue and counters.
type epoch struct {
	mimeType string
	started  time.Time

	mu     sync.RWMutex
	closed bool
	slices chan audio.Blob
	done   chan struct{}

	// owned by the process goroutine
	packets int
	skipped int
	failed  int
	bytes   int
	convert time.Duration
}

func newEpoch(mimeType string, now time.Time) *epoch {
	return &epoch{
		mimeType: mimeType,
		started:  now,
		slices:   make(chan audio.Blob, sliceQueue),
		done:     make(chan struct{}),
	}
}

func (e *epoch) push(b audio.Blob) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.slices <- b
}

func (e *epoch) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.slices)
	}
}

func (e *epoch) logMetrics(now func() time.Time) {
	var convertMs float64
	if e.packets > 0 {
		convertMs = float64(e.convert.Microseconds()) / 1000 / float64(e.packets)
	}
	log.StreamMetrics(log.StreamMetricsData{
		DurationS:     now().Sub(e.started).Seconds(),
		Packets:       e.packets,
		SkippedSlices: e.skipped,
		FailedSlices:  e.failed,
		SentKB:        float64(e.bytes) / 1024,
		ConvertMs:     convertMs,
	})
}
