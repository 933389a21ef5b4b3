package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	diagName    = "diagnostics_log.txt"
	sessionName = "session_log.txt"
)

var (
	diagLog     zerolog.Logger
	diagFile    io.WriteCloser
	sessionFile *os.File
	logMu       sync.Mutex
	logReady    atomic.Bool
	pid         int
	dir         string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: INTERVOX_LOG_PATH environment variable
	if envPath := os.Getenv("INTERVOX_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error
	sessionFile, err = os.OpenFile(filepath.Join(dir, sessionName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	diagFile = &lumberjack.Logger{
		Filename:   filepath.Join(dir, diagName),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady.Store(true)
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	logReady.Store(false)
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if sessionFile != nil {
		sessionFile.Close()
		sessionFile = nil
	}
}

func Info(msg string) {
	if logReady.Load() {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady.Load() {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Debugf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady.Load() {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady.Load() {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// SessionLine appends one tab-separated interview lifecycle line to the session log.
func SessionLine(event, interviewID, detail string) {
	if !logReady.Load() {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if sessionFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, event, interviewID, detail)
	sessionFile.WriteString(line)
}

func SessionStart(interviewID, url string, resumed bool) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("interview_id", interviewID).
		Str("url", url).
		Bool("resumed", resumed).
		Msg("session_start")
}

func SessionEnd(interviewID string, updated bool) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("interview_id", interviewID).
		Bool("updated", updated).
		Msg("session_end")
}

func SocketOpen(url string) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().Str("url", url).Msg("socket_open")
}

func SocketClose(url string, code int, reason string, reconnect bool) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("url", url).
		Int("code", code).
		Str("reason", reason).
		Bool("reconnect", reconnect).
		Msg("socket_close")
}

func SocketReconnect(url string, attempt int, delay time.Duration) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("url", url).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("socket_reconnect")
}

func StreamStart(mimeType string, timeSlice time.Duration) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("mime", mimeType).
		Dur("time_slice", timeSlice).
		Msg("stream_start")
}

func StreamStop(reason string) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().Str("reason", reason).Msg("stream_stop")
}

type StreamMetricsData struct {
	DurationS     float64
	Packets       int
	SkippedSlices int
	FailedSlices  int
	SentKB        float64
	ConvertMs     float64
}

func StreamMetrics(m StreamMetricsData) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Float64("duration_s", m.DurationS).
		Int("packets", m.Packets).
		Int("skipped_slices", m.SkippedSlices).
		Int("failed_slices", m.FailedSlices).
		Float64("sent_kb", m.SentKB).
		Float64("convert_ms", m.ConvertMs).
		Msg("stream_metrics")
}
