package transcode

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// State 转码会话的状态
type State int32

const (
	Starting State = iota
	Streaming
	StoppedClean
	StoppedError
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case StoppedClean:
		return "stopped_clean"
	case StoppedError:
		return "stopped_error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// 停止原因
const (
	reasonClientGone  = "client disconnected"
	reasonWriteFailed = "client write failed"
	reasonEncoderEnd  = "encoder exited"
	reasonShutdown    = "server shutdown"
)

// StartError ffmpeg 无法启动，或在输出任何数据前就退出。
// 只有这种错误会在响应头发出之前返回。
type StartError struct {
	Station string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start transcoder for %s: %v", e.Station, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Session 一个直播连接和它独占的 ffmpeg 进程
type Session struct {
	ID      string
	Station string
	Started time.Time

	cancel context.CancelFunc
	logger *log.Logger

	state atomic.Int32
	bytes atomic.Int64
	pid   atomic.Int64

	once   sync.Once
	reason string
	done   chan struct{}
}

// SessionInfo 会话快照
type SessionInfo struct {
	ID      string
	Station string
	PID     int
	State   State
	Bytes   int64
	Started time.Time
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// stop 唯一的结束入口，客户端断开、ffmpeg 退出、写失败和关闭服务都走这里。
// 只有第一次调用生效。
func (s *Session) stop(reason string) {
	s.once.Do(func() {
		s.reason = reason
		s.cancel()
	})
}

// Done 会话彻底结束（进程已回收）后关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:      s.ID,
		Station: s.Station,
		PID:     int(s.pid.Load()),
		State:   s.State(),
		Bytes:   s.bytes.Load(),
		Started: s.Started,
	}
}
