// Package doctor runs preflight checks for an interview: microphone,
// encoder, interview API and session store.
package doctor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"intervox/audio"
	"intervox/encoder"
	"intervox/interview"
	"intervox/session"
)

const captureFor = time.Second

// API is the part of interview.Client the checks call.
type API interface {
	GetInterview(ctx context.Context, id string) (interview.Interview, error)
}

type Options struct {
	Audio      audio.Context
	DeviceName string
	MimeType   string
	SampleRate uint32
	API        API
	Store      session.Store
	Out        io.Writer
	// CaptureFor defaults to one second.
	CaptureFor time.Duration
}

// Run executes every check and returns an exit code (0=all pass, 1=any fail).
func Run(ctx context.Context, o Options) int {
	w := o.Out
	if o.CaptureFor <= 0 {
		o.CaptureFor = captureFor
	}
	fmt.Fprintln(w, "intervox doctor - preflight checks")
	fmt.Fprintln(w, "==================================")

	pcm, ok := checkMicrophone(ctx, w, o)
	allPass := ok
	if ok && !checkEncoder(w, o, pcm) {
		allPass = false
	}
	if !checkAPI(ctx, w, o.API) {
		allPass = false
	}
	if !checkStore(ctx, w, o.Store) {
		allPass = false
	}

	fmt.Fprintln(w)
	if allPass {
		fmt.Fprintln(w, "All checks passed!")
		return 0
	}
	fmt.Fprintln(w, "Some checks failed. See details above.")
	return 1
}

func checkMicrophone(ctx context.Context, w io.Writer, o Options) ([]byte, bool) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[1/4] Microphone")

	var device *audio.DeviceInfo
	if o.DeviceName != "" {
		d, err := audio.FindDevice(o.Audio, o.DeviceName)
		if err != nil {
			fmt.Fprintf(w, "  FAIL: %v\n", err)
			return nil, false
		}
		device = d
	}
	name := "system default"
	if device != nil {
		name = device.Name
	}
	fmt.Fprintf(w, "  device: %s\n", name)
	if device != nil && audio.IsBluetooth(device.Name) {
		fmt.Fprintln(w, "  WARN: Bluetooth microphones drop to low quality while capturing")
	}

	pcm, err := recordAudio(ctx, o.Audio, device, o.SampleRate, o.CaptureFor)
	if err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return nil, false
	}
	if len(pcm) == 0 {
		fmt.Fprintln(w, "  FAIL: no audio captured")
		return nil, false
	}
	peak := peakLevel(pcm)
	fmt.Fprintf(w, "  captured %.1fs, peak level %.3f\n", float64(len(pcm)/2)/float64(o.SampleRate), peak)
	if peak < 0.01 {
		fmt.Fprintln(w, "  WARN: input is silent, check the mic is not muted")
	}
	fmt.Fprintln(w, "  PASS")
	return pcm, true
}

func checkEncoder(w io.Writer, o Options, pcm []byte) bool {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "[2/4] Encoder (%s)\n", o.MimeType)
	if !encoder.Supported(o.MimeType) {
		fmt.Fprintf(w, "  FAIL: unsupported, use one of %v\n", encoder.MimeTypes())
		return false
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	start := time.Now()
	out, err := encoder.EncodeSlice(o.MimeType, o.SampleRate, samples)
	if err != nil {
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}
	fmt.Fprintf(w, "  %d KB -> %d KB in %s\n", len(pcm)/1024, len(out)/1024, time.Since(start).Round(time.Millisecond))
	fmt.Fprintln(w, "  PASS")
	return true
}

func checkAPI(ctx context.Context, w io.Writer, api API) bool {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[3/4] Interview API")
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := api.GetInterview(ctx, "doctor-probe")
	var apiErr *interview.APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == 401 || apiErr.StatusCode == 403 {
			fmt.Fprintf(w, "  FAIL: %v (check api.token)\n", apiErr)
			return false
		}
		fmt.Fprintf(w, "  reachable (%d)\n", apiErr.StatusCode)
	default:
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	}
	fmt.Fprintln(w, "  PASS")
	return true
}

func checkStore(ctx context.Context, w io.Writer, store session.Store) bool {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "[4/4] Session store")
	rec, err := store.Get(ctx)
	switch {
	case errors.Is(err, session.ErrNoRecord):
		fmt.Fprintln(w, "  no session to resume")
	case err != nil:
		fmt.Fprintf(w, "  FAIL: %v\n", err)
		return false
	default:
		fmt.Fprintf(w, "  will resume interview %s\n", rec.InterviewID)
	}
	fmt.Fprintln(w, "  PASS")
	return true
}

func recordAudio(ctx context.Context, actx audio.Context, device *audio.DeviceInfo, sampleRate uint32, d time.Duration) ([]byte, error) {
	var pcmBuf []byte
	var bufMu sync.Mutex
	var stopped bool
	failed := make(chan error, 1)

	captureDevice, err := actx.NewCapture(device, audio.CaptureConfig{
		SampleRate: sampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		return nil, err
	}
	defer captureDevice.Close()

	captureDevice.SetCallback(func(data []byte, frameCount uint32) {
		bufMu.Lock()
		if !stopped {
			pcmBuf = append(pcmBuf, data...)
		}
		bufMu.Unlock()
	})
	if r, ok := captureDevice.(audio.ErrorReporter); ok {
		r.SetErrorCallback(func(err error) {
			select {
			case failed <- err:
			default:
			}
		})
	}

	if err := captureDevice.Start(); err != nil {
		return nil, err
	}

	select {
	case <-time.After(d):
	case err = <-failed:
	case <-ctx.Done():
		err = ctx.Err()
	}
	captureDevice.Stop()

	bufMu.Lock()
	stopped = true
	raw := pcmBuf
	bufMu.Unlock()
	return raw, err
}

func peakLevel(pcm []byte) float64 {
	var peak int
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	return float64(peak) / 32768
}
