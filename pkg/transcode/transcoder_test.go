package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/yleoer/mp3proxy/pkg/stations"
)

var testStation = stations.Station{
	Token:       "zing_mp3",
	KeyPhrase:   "zing mp3",
	PlaylistURL: "https://live.example/zing/playlist.m3u8",
}

// TestHelperProcess 不是真正的测试，它在子进程里扮演 ffmpeg
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	chunk := bytes.Repeat([]byte{0xff, 0xfb, 0x90, 0x64}, 256)

	switch os.Getenv("HELPER_MODE") {
	case "stream":
		for {
			if _, err := os.Stdout.Write(chunk); err != nil {
				os.Exit(0)
			}
			time.Sleep(10 * time.Millisecond)
		}
	case "stubborn":
		signal.Ignore(os.Interrupt)
		for {
			os.Stdout.Write(chunk)
			time.Sleep(10 * time.Millisecond)
		}
	case "finite":
		fmt.Fprintln(os.Stderr, "[hls] Opening segment")
		for i := 0; i < 3; i++ {
			os.Stdout.Write(chunk)
		}
		os.Exit(0)
	case "noisy":
		// 一行超长的诊断输出，之后才开始输出音频
		os.Stderr.Write(bytes.Repeat([]byte("x"), 2*maxStderrLine))
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "[hls] Opening segment")
		for i := 0; i < 3; i++ {
			os.Stdout.Write(chunk)
		}
		os.Exit(0)
	case "quiet":
		fmt.Fprintln(os.Stderr, "[hls] Waiting for playlist")
		time.Sleep(time.Minute)
		os.Exit(0)
	case "silent":
		fmt.Fprintln(os.Stderr, "Server returned 404 Not Found")
		os.Exit(1)
	}
	os.Exit(2)
}

func newTestTranscoder(t *testing.T, mode string, grace time.Duration) *Transcoder {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper process signals need a unix platform")
	}
	tr := NewTranscoder(Options{KillGrace: grace}, nil, log.New(io.Discard))
	tr.command = func(ctx context.Context, src string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=^TestHelperProcess$")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
	return tr
}

func startServer(t *testing.T, tr *Transcoder) (*httptest.Server, chan error) {
	t.Helper()
	errs := make(chan error, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := tr.Serve(w, r, testStation)
		var se *StartError
		if errors.As(err, &se) {
			http.Error(w, "transcoder unavailable", http.StatusInternalServerError)
		}
		errs <- err
	}))
	t.Cleanup(srv.Close)
	return srv, errs
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func openStream(t *testing.T, ctx context.Context, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	return resp
}

func TestServeStopsEncoderWhenClientDisconnects(t *testing.T) {
	tr := newTestTranscoder(t, "stream", 2*time.Second)
	srv, errs := startServer(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := openStream(t, ctx, srv.URL)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q", got)
	}

	buf := make([]byte, 4096)
	if _, err := io.ReadAtLeast(resp.Body, buf, len(buf)); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	sessions := tr.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Sessions() = %d, want 1", len(sessions))
	}
	pid := sessions[0].PID
	if pid == 0 || !processAlive(pid) {
		t.Fatalf("encoder pid %d not running", pid)
	}
	if sessions[0].State != Streaming {
		t.Errorf("State = %v, want streaming", sessions[0].State)
	}

	cancel()
	resp.Body.Close()

	waitFor(t, 5*time.Second, func() bool { return tr.Active() == 0 })
	if processAlive(pid) {
		t.Errorf("encoder pid %d still alive after disconnect", pid)
	}
	if err := <-errs; err != nil {
		t.Errorf("Serve() error = %v, want nil after streaming began", err)
	}
}

func TestServeKillsEncoderIgnoringInterrupt(t *testing.T) {
	tr := newTestTranscoder(t, "stubborn", 200*time.Millisecond)
	srv, _ := startServer(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	resp := openStream(t, ctx, srv.URL)
	io.ReadAtLeast(resp.Body, make([]byte, 1024), 1024)

	sessions := tr.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Sessions() = %d, want 1", len(sessions))
	}
	pid := sessions[0].PID

	cancel()
	resp.Body.Close()

	waitFor(t, 3*time.Second, func() bool { return tr.Active() == 0 })
	if processAlive(pid) {
		t.Errorf("encoder pid %d survived forced kill", pid)
	}
}

func TestServeEndsWhenEncoderExits(t *testing.T) {
	tr := newTestTranscoder(t, "finite", time.Second)
	srv, errs := startServer(t, tr)

	resp := openStream(t, context.Background(), srv.URL)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(body) != 3*1024 {
		t.Errorf("body length = %d, want %d", len(body), 3*1024)
	}
	if strings.Contains(string(body), "Opening segment") {
		t.Error("encoder diagnostics leaked into the response")
	}
	if err := <-errs; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return tr.Active() == 0 })
}

func TestServeSurvivesOversizedStderrLine(t *testing.T) {
	tr := newTestTranscoder(t, "noisy", time.Second)
	srv, errs := startServer(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp := openStream(t, ctx, srv.URL)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(body) != 3*1024 {
		t.Errorf("body length = %d, want %d", len(body), 3*1024)
	}
	if err := <-errs; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}

func TestCloseBeforeOutputIsStartError(t *testing.T) {
	tr := newTestTranscoder(t, "quiet", time.Second)
	srv, errs := startServer(t, tr)

	type result struct {
		status int
		err    error
	}
	got := make(chan result, 1)
	go func() {
		resp, err := http.Get(srv.URL)
		if err != nil {
			got <- result{err: err}
			return
		}
		resp.Body.Close()
		got <- result{status: resp.StatusCode}
	}()

	waitFor(t, 5*time.Second, func() bool {
		s := tr.Sessions()
		return len(s) == 1 && s[0].PID != 0
	})
	tr.Close()

	res := <-got
	if res.err != nil {
		t.Fatalf("GET error = %v", res.err)
	}
	if res.status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 instead of an empty 200", res.status)
	}

	var se *StartError
	err := <-errs
	if !errors.As(err, &se) || !errors.Is(err, ErrShutdown) {
		t.Errorf("Serve() error = %v, want *StartError wrapping ErrShutdown", err)
	}
}

func TestServeStartErrors(t *testing.T) {
	tests := []struct {
		name string
		tr   func(t *testing.T) *Transcoder
	}{
		{
			name: "encoder exits without output",
			tr: func(t *testing.T) *Transcoder {
				return newTestTranscoder(t, "silent", time.Second)
			},
		},
		{
			name: "missing executable",
			tr: func(t *testing.T) *Transcoder {
				return NewTranscoder(Options{FFmpegPath: "/nonexistent/bin/ffmpeg"}, nil, log.New(io.Discard))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := tt.tr(t)
			srv, errs := startServer(t, tr)

			resp := openStream(t, context.Background(), srv.URL)
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if resp.StatusCode != http.StatusInternalServerError {
				t.Errorf("status = %d, want 500", resp.StatusCode)
			}
			if strings.Contains(string(body), "404 Not Found") {
				t.Error("encoder diagnostics leaked into the response")
			}

			var se *StartError
			if err := <-errs; !errors.As(err, &se) {
				t.Errorf("Serve() error = %v, want *StartError", err)
			}
			if tr.Active() != 0 {
				t.Errorf("Active() = %d, want 0", tr.Active())
			}
		})
	}
}

func TestCloseStopsLiveSessions(t *testing.T) {
	tr := newTestTranscoder(t, "stream", time.Second)
	srv, errs := startServer(t, tr)

	resp := openStream(t, context.Background(), srv.URL)
	defer resp.Body.Close()
	io.ReadAtLeast(resp.Body, make([]byte, 1024), 1024)

	pid := tr.Sessions()[0].PID
	tr.Close()

	if tr.Active() != 0 {
		t.Errorf("Active() = %d after Close", tr.Active())
	}
	if processAlive(pid) {
		t.Errorf("encoder pid %d alive after Close", pid)
	}
	// 响应随之结束
	io.Copy(io.Discard, resp.Body)
	if err := <-errs; err != nil {
		t.Errorf("Serve() error = %v", err)
	}

	resp2 := openStream(t, context.Background(), srv.URL)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusInternalServerError {
		t.Errorf("status after Close = %d, want 500", resp2.StatusCode)
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	calls := 0
	s := &Session{cancel: func() { calls++ }, done: make(chan struct{})}

	s.stop(reasonClientGone)
	s.stop(reasonEncoderEnd)
	s.stop(reasonShutdown)

	if calls != 1 {
		t.Errorf("cancel called %d times, want 1", calls)
	}
	if s.reason != reasonClientGone {
		t.Errorf("reason = %q, want first reason", s.reason)
	}
}

func TestBuildFFmpegCommand(t *testing.T) {
	tr := NewTranscoder(Options{FFmpegPath: "/usr/bin/ffmpeg"}, nil, log.New(io.Discard))
	cmd := tr.buildFFmpegCommand(context.Background(), testStation.PlaylistURL)

	if cmd.Path != "/usr/bin/ffmpeg" {
		t.Errorf("Path = %q", cmd.Path)
	}
	args := cmd.Args[1:]
	pairs := [][2]string{
		{"-i", testStation.PlaylistURL},
		{"-ac", "2"},
		{"-ar", "44100"},
		{"-b:a", "128k"},
		{"-f", "mp3"},
	}
	for _, p := range pairs {
		i := slices.Index(args, p[0])
		if i < 0 || i+1 >= len(args) || args[i+1] != p[1] {
			t.Errorf("missing %s %s in %v", p[0], p[1], args)
		}
	}
	if re, in := slices.Index(args, "-re"), slices.Index(args, "-i"); re < 0 || re > in {
		t.Errorf("-re must precede -i: %v", args)
	}
	if args[len(args)-1] != "pipe:1" {
		t.Errorf("output = %q, want pipe:1", args[len(args)-1])
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		Starting:     "starting",
		Streaming:    "streaming",
		StoppedClean: "stopped_clean",
		StoppedError: "stopped_error",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
