package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

const (
	wavHeaderSize = 44
	pcmFormat     = 1
)

// WavEncoder collects 16-bit PCM and writes a RIFF/WAVE container on Close.
type WavEncoder struct {
	pcm         bytes.Buffer
	out         []byte
	sampleRate  uint32
	totalFrames uint64
	encodeTime  time.Duration
	closed      bool
	mu          sync.Mutex
}

func NewWav(sampleRate uint32) *WavEncoder {
	if sampleRate == 0 {
		sampleRate = SampleRate
	}
	return &WavEncoder{sampleRate: sampleRate}
}

func (e *WavEncoder) EncodeBlock(block []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("wav encoder closed")
	}
	if err := binary.Write(&e.pcm, binary.LittleEndian, block); err != nil {
		return err
	}
	e.totalFrames += uint64(len(block))
	return nil
}

func (e *WavEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	data := e.pcm.Bytes()
	bytesPerSample := BitsPerSample / 8
	byteRate := int(e.sampleRate) * Channels * bytesPerSample

	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(data))
	buf.Write([]byte("RIFF"))
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.Write([]byte("WAVE"))

	buf.Write([]byte("fmt "))
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(pcmFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(Channels))
	binary.Write(&buf, binary.LittleEndian, e.sampleRate)
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(Channels*bytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(BitsPerSample))

	buf.Write([]byte("data"))
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	e.out = buf.Bytes()
	return nil
}

func (e *WavEncoder) Bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out
}

func (e *WavEncoder) TotalFrames() uint64 {
	return e.totalFrames
}

func (e *WavEncoder) AddEncodeTime(d time.Duration) {
	e.mu.Lock()
	e.encodeTime += d
	e.mu.Unlock()
}

func (e *WavEncoder) EncodeTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.encodeTime
}
