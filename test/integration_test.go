//go:build integration

package test_test

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

var testBinary string

func TestMain(m *testing.M) {
	testBinary = os.Getenv("INTERVOX_TEST_BIN")
	if testBinary == "" {
		fmt.Fprintln(os.Stderr, "INTERVOX_TEST_BIN not set; build intervox and point it at the binary")
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func writeToneWAV(t *testing.T, sampleRate int, durationS float64) string {
	t.Helper()
	const headerSize = 44
	numSamples := int(float64(sampleRate) * durationS)
	dataSize := numSamples * 2

	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headerSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	for i := 0; i < numSamples; i++ {
		v := int16(6000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(buf[headerSize+i*2:], uint16(v))
	}

	path := filepath.Join(t.TempDir(), "tone.wav")
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// backend is the interview API and the WebSocket entrypoint it hands out.
type backend struct {
	api, ws *httptest.Server

	mu       sync.Mutex
	creates  int
	statuses []string
	audio    int
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	upgrader := websocket.Upgrader{}
	b.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var f struct{ Type string }
			if json.Unmarshal(data, &f) == nil && f.Type == "audio" {
				b.mu.Lock()
				b.audio++
				b.mu.Unlock()
			}
		}
	}))
	t.Cleanup(b.ws.Close)

	b.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		b.mu.Lock()
		defer b.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			b.creates++
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{
				"interviewID": "it-1",
				"entrypoint":  "ws" + strings.TrimPrefix(b.ws.URL, "http"),
			})
		case http.MethodPut:
			var body struct{ Status string }
			json.NewDecoder(r.Body).Decode(&body)
			b.statuses = append(b.statuses, body.Status)
			io.WriteString(w, `{}`)
		default:
			json.NewEncoder(w).Encode(map[string]string{"interview_id": "it-1", "status": "in_progress"})
		}
	}))
	t.Cleanup(b.api.Close)
	return b
}

func cmds(parts ...string) string {
	return strings.Join(parts, "\n") + "\n"
}

func runIntervox(t *testing.T, b *backend, logDir, sessionFile, stdin string, args ...string) string {
	t.Helper()
	cmdArgs := append([]string{"-logpath", logDir, "-timeslice", "200ms"}, args...)

	cmd := exec.Command(testBinary, cmdArgs...)
	cmd.Dir = t.TempDir()
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = append(os.Environ(),
		"XDG_CONFIG_HOME="+t.TempDir(),
		"INTERVOX_API_BASE_URL="+b.api.URL,
		"INTERVOX_SESSION_STORE=file",
		"INTERVOX_SESSION_FILE="+sessionFile,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("intervox exited with error: %v\noutput: %s", err, out)
	}
	return string(out)
}

func readLog(t *testing.T, logDir, filename string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(logDir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	return string(data)
}

func TestCallLifecycle(t *testing.T) {
	b := newBackend(t)
	wav := writeToneWAV(t, 16000, 3)
	logDir := t.TempDir()
	sessionFile := filepath.Join(t.TempDir(), "session.json")

	out := runIntervox(t, b, logDir, sessionFile,
		cmds("start", "sleep 1000", "status", "stop", "quit"), "-test", wav)

	if !strings.Contains(out, "interview it-1 status=in_progress") {
		t.Errorf("status output missing interview line:\n%s", out)
	}
	b.mu.Lock()
	creates, statuses, audio := b.creates, b.statuses, b.audio
	b.mu.Unlock()
	if creates != 1 {
		t.Errorf("creates = %d, want 1", creates)
	}
	if len(statuses) != 1 || statuses[0] != "completed" {
		t.Errorf("updates = %v, want [completed]", statuses)
	}
	if audio == 0 {
		t.Error("no audio packets reached the entrypoint")
	}
	if _, err := os.Stat(sessionFile); !os.IsNotExist(err) {
		t.Error("session file left behind after the call ended")
	}

	sessions := readLog(t, logDir, "session_log.txt")
	for _, ev := range []string{"started", "completed"} {
		if !strings.Contains(sessions, "\t"+ev+"\t") {
			t.Errorf("session log missing %q:\n%s", ev, sessions)
		}
	}
	diag := readLog(t, logDir, "diagnostics_log.txt")
	for _, ev := range []string{"socket_open", "stream_start", "stream_metrics"} {
		if !strings.Contains(diag, ev) {
			t.Errorf("diagnostics missing %q", ev)
		}
	}
}

func TestResumeAcrossRuns(t *testing.T) {
	b := newBackend(t)
	wav := writeToneWAV(t, 16000, 3)
	logDir := t.TempDir()
	sessionFile := filepath.Join(t.TempDir(), "session.json")

	runIntervox(t, b, logDir, sessionFile, cmds("start", "sleep 500", "quit"), "-test", wav)
	if _, err := os.Stat(sessionFile); err != nil {
		t.Fatalf("session file not kept after quit: %v", err)
	}

	runIntervox(t, b, logDir, sessionFile, cmds("sleep 800", "stop", "quit"), "-test", wav)

	b.mu.Lock()
	creates, statuses := b.creates, b.statuses
	b.mu.Unlock()
	if creates != 1 {
		t.Errorf("creates = %d, want 1 (second run must resume)", creates)
	}
	if len(statuses) != 1 || statuses[0] != "completed" {
		t.Errorf("updates = %v, want [completed]", statuses)
	}
	if sessions := readLog(t, logDir, "session_log.txt"); !strings.Contains(sessions, "\tresumed\t") {
		t.Errorf("session log missing resume:\n%s", sessions)
	}
}
