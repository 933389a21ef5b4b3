package audio

import (
	"bytes"
	"io"
	"sync"

	"github.com/google/uuid"
)

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one media source inside a stream. Audio tracks carry the capture
// device that produces their samples.
type Track struct {
	ID     string
	Kind   TrackKind
	Label  string
	device CaptureDevice

	// mu serializes recorders attaching to and detaching from device.
	mu    sync.Mutex
	lease *deviceLease
}

// deviceLease marks which recording currently has the track's device
// attached. A release holding an older lease leaves the device alone.
type deviceLease struct {
	rec *SliceRecorder
}

func NewAudioTrack(label string, dev CaptureDevice) *Track {
	return &Track{ID: uuid.NewString(), Kind: KindAudio, Label: label, device: dev}
}

func NewVideoTrack(label string) *Track {
	return &Track{ID: uuid.NewString(), Kind: KindVideo, Label: label}
}

func (t *Track) Device() CaptureDevice {
	return t.device
}

// MediaStream groups tracks. Streams never own their tracks: building a
// sub-stream or dropping a stream leaves the devices running.
type MediaStream struct {
	id     string
	tracks []*Track
}

func NewMediaStream(tracks ...*Track) *MediaStream {
	return &MediaStream{id: uuid.NewString(), tracks: append([]*Track(nil), tracks...)}
}

func (s *MediaStream) ID() string {
	return s.id
}

func (s *MediaStream) Tracks() []*Track {
	return append([]*Track(nil), s.tracks...)
}

func (s *MediaStream) AudioTracks() []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.Kind == KindAudio {
			out = append(out, t)
		}
	}
	return out
}

// OpenMicrophone creates a capture on device (nil for the system default) and
// wraps it in a single-track stream.
func OpenMicrophone(ctx Context, device *DeviceInfo, config CaptureConfig) (*MediaStream, error) {
	capture, err := ctx.NewCapture(device, config)
	if err != nil {
		return nil, err
	}
	label := "system default"
	if device != nil {
		label = device.Name
	}
	return NewMediaStream(NewAudioTrack(label, capture)), nil
}

// Blob is one recorded slice. Its bytes are only reachable through Reader.
type Blob interface {
	Size() int
	Type() string
	Reader() io.Reader
}

type memBlob struct {
	data     []byte
	mimeType string
}

func NewBlob(data []byte, mimeType string) Blob {
	return memBlob{data: data, mimeType: mimeType}
}

func (b memBlob) Size() int         { return len(b.data) }
func (b memBlob) Type() string      { return b.mimeType }
func (b memBlob) Reader() io.Reader { return bytes.NewReader(b.data) }
