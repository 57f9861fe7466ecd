package transcode

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/yleoer/mp3proxy/pkg/metrics"
	"github.com/yleoer/mp3proxy/pkg/stations"
)

const (
	relayBufferSize = 32 * 1024
	// stderr 单行上限，超过后剩余输出直接丢弃
	maxStderrLine = 1024 * 1024
)

// errNoOutput ffmpeg 没有输出任何数据就退出了
var errNoOutput = errors.New("encoder exited before producing output")

// Options 转码器配置
type Options struct {
	FFmpegPath string
	KillGrace  time.Duration // 取消后等待 ffmpeg 自行退出的时间，超时强制 kill
}

// Transcoder 为每个直播请求启动一个 ffmpeg，把 HLS 转成 128k MP3 直接写给客户端
type Transcoder struct {
	ffmpegPath string
	killGrace  time.Duration
	command    func(ctx context.Context, src string) *exec.Cmd
	metrics    *metrics.Metrics
	logger     *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewTranscoder 创建一个新的 Transcoder 实例
func NewTranscoder(opts Options, m *metrics.Metrics, logger *log.Logger) *Transcoder {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 3 * time.Second
	}
	t := &Transcoder{
		ffmpegPath: opts.FFmpegPath,
		killGrace:  opts.KillGrace,
		metrics:    m,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
	t.command = t.buildFFmpegCommand
	return t
}

// buildFFmpegCommand 构建读取直播列表、按实时速度输出 MP3 的命令
func (t *Transcoder) buildFFmpegCommand(ctx context.Context, src string) *exec.Cmd {
	var args []string
	args = append(args, "-hide_banner", "-nostdin")
	args = append(args, "-loglevel", "warning")
	args = append(args, "-re") // 按实时速度读取，避免远远跑在客户端前面
	args = append(args,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
	)
	args = append(args, "-i", src)
	args = append(args, "-vn")
	args = append(args, "-ac", "2")
	args = append(args, "-ar", "44100")
	args = append(args, "-c:a", "libmp3lame", "-b:a", "128k")
	args = append(args, "-f", "mp3", "pipe:1")
	return exec.CommandContext(ctx, t.ffmpegPath, args...)
}

// Serve 处理一个直播请求，阻塞到客户端断开或 ffmpeg 退出。
// 只有在还没写出任何数据时才返回 *StartError，其余情况都返回 nil。
func (t *Transcoder) Serve(w http.ResponseWriter, r *http.Request, st stations.Station) error {
	ctx, cancel := context.WithCancel(r.Context())
	s := &Session{
		ID:      uuid.NewString(),
		Station: st.Token,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.logger = t.logger.With("session", s.ID[:8], "station", st.Token)
	defer close(s.done)
	s.setState(Starting)

	h := w.Header()
	h.Set("Content-Type", "audio/mpeg")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Connection", "close")

	cmd := t.command(ctx, st.PlaylistURL)
	cmd.Cancel = func() error {
		// 先让 ffmpeg 正常退出，WaitDelay 到期后由 exec 强制 kill
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = t.killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.setState(StoppedError)
		return &StartError{Station: st.Token, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		s.setState(StoppedError)
		return &StartError{Station: st.Token, Err: err}
	}

	if err := t.register(s); err != nil {
		cancel()
		s.setState(StoppedError)
		return &StartError{Station: st.Token, Err: err}
	}
	defer t.unregister(s)

	if err := cmd.Start(); err != nil {
		cancel()
		s.setState(StoppedError)
		s.logger.Error("failed to start encoder", "path", cmd.Path, "err", err)
		return &StartError{Station: st.Token, Err: err}
	}
	s.pid.Store(int64(cmd.Process.Pid))
	s.logger.Info("live session started", "pid", cmd.Process.Pid, "remote", r.RemoteAddr)
	t.metrics.SessionStarted()
	defer t.metrics.SessionStopped()

	// ffmpeg 的诊断输出只写日志
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 4096), maxStderrLine)
		for scanner.Scan() {
			s.logger.Debug("ffmpeg", "stderr", scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			s.logger.Debug("ffmpeg stderr no longer logged", "err", err)
		}
		// 不读完 ffmpeg 会阻塞在写 stderr 上
		_, _ = io.Copy(io.Discard, stderr)
	}()

	committed, reason := t.relay(ctx, w, stdout, s)
	s.stop(reason)

	<-stderrDone
	waitErr := cmd.Wait()

	elapsed := time.Since(s.Started).Round(time.Millisecond)
	sent := humanize.Bytes(uint64(s.bytes.Load()))
	var exitErr *exec.ExitError
	if s.reason == reasonEncoderEnd && waitErr != nil && !errors.As(waitErr, &exitErr) {
		// 进程先退出、之后才取消 context，这里的错误来自取消本身
		waitErr = nil
	}

	switch {
	case !committed && s.reason == reasonEncoderEnd:
		s.setState(StoppedError)
		s.logger.Error("encoder produced no output", "err", waitErr, "duration", elapsed)
		return &StartError{Station: st.Token, Err: errors.Join(errNoOutput, waitErr)}
	case !committed && s.reason == reasonShutdown:
		s.setState(StoppedError)
		s.logger.Info("live session closed before output", "duration", elapsed)
		return &StartError{Station: st.Token, Err: ErrShutdown}
	case s.reason == reasonEncoderEnd && waitErr != nil:
		s.setState(StoppedError)
		s.logger.Warn("live session ended by encoder", "err", waitErr, "sent", sent, "duration", elapsed)
	default:
		s.setState(StoppedClean)
		s.logger.Info("live session ended", "reason", s.reason, "sent", sent, "duration", elapsed)
	}
	return nil
}

// relay 把 ffmpeg 的输出逐块写给客户端，第一块数据到来时才发送 200。
// 返回是否已经发送响应头，以及结束原因。
func (t *Transcoder) relay(ctx context.Context, w http.ResponseWriter, stdout io.Reader, s *Session) (bool, string) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayBufferSize)
	committed := false

	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			if !committed {
				w.WriteHeader(http.StatusOK)
				committed = true
				s.setState(Streaming)
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return committed, reasonWriteFailed
			}
			if flusher != nil {
				flusher.Flush()
			}
			s.bytes.Add(int64(n))
			t.metrics.BytesServed("live", n)
		}
		if rerr != nil {
			// context 已取消说明进程是被我们结束的
			if ctx.Err() != nil {
				return committed, reasonClientGone
			}
			return committed, reasonEncoderEnd
		}
	}
}

// ErrShutdown 转码器已关闭，不再接受新的直播
var ErrShutdown = errors.New("transcoder closed")

func (t *Transcoder) register(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrShutdown
	}
	t.sessions[s.ID] = s
	return nil
}

func (t *Transcoder) unregister(s *Session) {
	t.mu.Lock()
	delete(t.sessions, s.ID)
	t.mu.Unlock()
}

// Active 正在运行的会话数
func (t *Transcoder) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sessions 返回所有会话的快照，按开始时间排序
func (t *Transcoder) Sessions() []SessionInfo {
	t.mu.Lock()
	out := make([]SessionInfo, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.info())
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		return a.Started.Compare(b.Started)
	})
	return out
}

// Close 结束所有会话并等待 ffmpeg 进程被回收，之后不再接受新会话
func (t *Transcoder) Close() {
	t.mu.Lock()
	t.closed = true
	live := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		live = append(live, s)
	}
	t.mu.Unlock()

	for _, s := range live {
		s.stop(reasonShutdown)
	}
	for _, s := range live {
		<-s.Done()
	}
	if len(live) > 0 {
		t.logger.Info("stopped live sessions", "count", len(live))
	}
}

// CheckBinary 检查 ffmpeg 是否存在，启动时用于提示
func (t *Transcoder) CheckBinary() error {
	if strings.ContainsRune(t.ffmpegPath, os.PathSeparator) {
		_, err := os.Stat(t.ffmpegPath)
		return err
	}
	_, err := exec.LookPath(t.ffmpegPath)
	return err
}
