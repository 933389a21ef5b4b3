package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"intervox/audio"
	"intervox/config"
	"intervox/encoder"
	"intervox/log"
	"intervox/session"
)

// runTestMode replays a WAV file as the microphone and takes commands from
// stdin, one per line: start, stop, status, wait, sleep <ms> and quit.
func runTestMode(ctx context.Context, cfg *config.Config, store session.Store, wavPath string) int {
	fakeCtx, err := audio.NewFakeContext(wavPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		return 1
	}
	mic, err := audio.OpenMicrophone(fakeCtx, nil, audio.CaptureConfig{
		SampleRate: encoder.SampleRate, Channels: encoder.Channels,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating capture: %v\n", err)
		return 1
	}
	track := mic.AudioTracks()[0]
	defer track.Device().Close()

	a, err := newApp(cfg, store, mic, "fake:"+wavPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	a.mount(ctx)
	return drive(ctx, a, os.Stdin, os.Stdout)
}

func drive(ctx context.Context, a *app, in io.Reader, out io.Writer) int {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	for {
		var cmd string
		select {
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			cmd = line
		}

		switch {
		case cmd == "":
		case cmd == "start":
			a.toggle(ctx, true)
			fmt.Fprintln(out, a.status())
		case cmd == "stop":
			a.toggle(ctx, false)
			fmt.Fprintln(out, a.status())
		case cmd == "status":
			st := a.status()
			fmt.Fprintln(out, st)
			if st.InterviewID != "" {
				iv, err := a.api.GetInterview(ctx, st.InterviewID)
				if err != nil {
					fmt.Fprintf(out, "interview %s: %v\n", st.InterviewID, err)
				} else {
					fmt.Fprintf(out, "interview %s status=%s\n", iv.InterviewID, iv.Status)
				}
			}
		case cmd == "wait":
			if fc, ok := a.mic.AudioTracks()[0].Device().(*audio.FakeCapture); ok {
				select {
				case <-fc.AudioDone():
				case <-ctx.Done():
				}
			}
		case strings.HasPrefix(cmd, "sleep "):
			if ms, err := strconv.Atoi(strings.TrimSpace(cmd[6:])); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		case cmd == "quit":
			return 0
		default:
			log.Warnf("test mode: unknown command %q", cmd)
			fmt.Fprintf(out, "unknown command %q\n", cmd)
		}
	}
}
