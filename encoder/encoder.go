package encoder

import (
	"fmt"
	"mime"
	"strings"
	"time"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

const (
	MimeFLAC = "audio/flac"
	MimeWAV  = "audio/wav"
)

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	AddEncodeTime(d time.Duration)
	EncodeTime() time.Duration
}

type format struct {
	codec string
	new   func(sampleRate uint32) (Encoder, error)
}

var formats = map[string]format{
	MimeFLAC: {codec: "flac", new: func(sr uint32) (Encoder, error) { return NewFlac(sr) }},
	MimeWAV:  {codec: "pcm", new: func(sr uint32) (Encoder, error) { return NewWav(sr), nil }},
}

// MimeTypes lists the container types this package can produce.
func MimeTypes() []string {
	return []string{MimeFLAC, MimeWAV}
}

func lookup(mimeType string) (format, bool) {
	mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(mimeType))
	if err != nil {
		return format{}, false
	}
	f, ok := formats[mediaType]
	if !ok {
		return format{}, false
	}
	if codecs, has := params["codecs"]; has && !strings.EqualFold(codecs, f.codec) {
		return format{}, false
	}
	return f, true
}

// Supported reports whether mimeType, with an optional codecs parameter, has an encoder.
func Supported(mimeType string) bool {
	_, ok := lookup(mimeType)
	return ok
}

func New(mimeType string, sampleRate uint32) (Encoder, error) {
	f, ok := lookup(mimeType)
	if !ok {
		return nil, fmt.Errorf("unsupported mime type %q", mimeType)
	}
	return f.new(sampleRate)
}

// EncodeSlice encodes samples into one self-contained container.
func EncodeSlice(mimeType string, sampleRate uint32, samples []int16) ([]byte, error) {
	enc, err := New(mimeType, sampleRate)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	for i := 0; i < len(samples); i += BlockSize {
		end := min(i+BlockSize, len(samples))
		if err := enc.EncodeBlock(samples[i:end]); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing %s encoder: %w", mimeType, err)
	}
	enc.AddEncodeTime(time.Since(start))
	return enc.Bytes(), nil
}
