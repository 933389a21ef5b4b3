package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"intervox/audio"
	"intervox/config"
	"intervox/doctor"
	"intervox/encoder"
	"intervox/log"
	"intervox/session"
	"intervox/shutdown"
)

var version = "dev"

const pollInterval = 250 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "config file (default: ./intervox.yaml or the user config dir)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	deviceFlag := flag.String("device", "", "use named microphone device")
	selectFlag := flag.Bool("select-device", false, "pick the microphone interactively")
	listFlag := flag.Bool("list-devices", false, "list capture devices and exit")
	mimeFlag := flag.String("mime", "", "preferred audio MIME type (audio/flac or audio/wav)")
	sliceFlag := flag.Duration("timeslice", 0, "audio slice duration (e.g. 1s, 250ms)")
	urlFlag := flag.String("url", "", "fallback WebSocket entrypoint")
	storeFlag := flag.String("store", "", "session store: file, redis or memory")
	headlessFlag := flag.Bool("headless", false, "run without the terminal UI")
	testFlag := flag.String("test", "", "test mode: replay a 16-bit mono WAV and read commands from stdin")
	doctorFlag := flag.Bool("doctor", false, "run preflight checks and exit")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("intervox %s\n", version)
		return 0
	}

	cfg, err := config.Load(config.Overrides{
		ConfigFile: *configFlag,
		LogPath:    *logPathFlag,
		Device:     *deviceFlag,
		MimeType:   *mimeFlag,
		TimeSlice:  *sliceFlag,
		URL:        *urlFlag,
		Store:      *storeFlag,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logPath, err := log.ResolveDir(cfg.Log.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	log.Infof("intervox %s starting", version)

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	if *testFlag != "" {
		return runTestMode(ctx, cfg, store, *testFlag)
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	if *listFlag {
		if err := audio.PrintDevices(actx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if *doctorFlag {
		return doctor.Run(ctx, doctor.Options{
			Audio:      actx,
			DeviceName: cfg.Audio.Device,
			MimeType:   cfg.Audio.MimeType,
			SampleRate: cfg.Audio.SampleRate,
			API:        newAPIClient(cfg),
			Store:      store,
			Out:        os.Stdout,
		})
	}

	device, err := pickDevice(actx, cfg.Audio.Device, *selectFlag)
	if err != nil {
		if errors.Is(err, audio.ErrSelectionCanceled) {
			return 130
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	mic, err := audio.OpenMicrophone(actx, device, audio.CaptureConfig{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		log.Errorf("capture device init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing capture device: %v\n", err)
		return 1
	}
	defer func() {
		for _, t := range mic.AudioTracks() {
			t.Device().Close()
		}
	}()

	a, err := newApp(cfg, store, mic, mic.AudioTracks()[0].Label)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	if *headlessFlag || !term.IsTerminal(int(os.Stdout.Fd())) {
		return runHeadless(ctx, a)
	}
	return runTUI(ctx, a)
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func openStore(cfg *config.Config) (session.Store, func(), error) {
	switch cfg.Session.Store {
	case "memory":
		return session.NewMemoryStore(), func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return session.NewRedisStore(rdb, cfg.Redis.Key, cfg.Redis.TTL), func() { rdb.Close() }, nil
	case "file", "":
		return session.NewFileStore(cfg.Session.File), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
}

func pickDevice(actx audio.Context, name string, interactive bool) (*audio.DeviceInfo, error) {
	if interactive {
		return audio.SelectDevice(actx)
	}
	if name == "" {
		return nil, nil
	}
	return audio.FindDevice(actx, name)
}

// watchChanges coalesces change notifications into one pending signal.
func watchChanges(a *app) <-chan struct{} {
	changes := make(chan struct{}, 1)
	a.onChange(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	return changes
}

func runTUI(ctx context.Context, a *app) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes := watchChanges(a)

	p := NewTUIProgram(func(on bool) tea.Cmd {
		return func() tea.Msg {
			a.toggle(ctx, on)
			return toggleDoneMsg{}
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		_, err := p.Run()
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		p.Quit()
		return nil
	})
	g.Go(func() error {
		a.mount(gctx)
		poll(gctx, a, changes, func(st appStatus) { p.Send(statusMsg(st)) })
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorf("TUI error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// poll publishes the app status on every change and on a slow ticker, and
// re-syncs the streamer whenever the socket state moves.
func poll(ctx context.Context, a *app, changes <-chan struct{}, publish func(appStatus)) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	last := a.sock.ReadyState()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
		case <-ticker.C:
		}
		if st := a.sock.ReadyState(); st != last {
			last = st
			a.sync()
		}
		publish(a.status())
	}
}
