package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/yleoer/mp3proxy/pkg/lyric"
)

const (
	searchPath = "/search"
	songPath   = "/song"
	lyricPath  = "/lyric"
)

var (
	// ErrNoResults 搜索没有结果
	ErrNoResults = errors.New("upstream returned no results")
	// ErrNoID 第一个结果没有可用的歌曲 ID
	ErrNoID = errors.New("top result has no usable id")
)

// Hit 搜索结果中的第一首歌
type Hit struct {
	ID        string
	Title     string
	Artist    string
	Thumbnail string
	Duration  int
	Language  string
}

// Gateway 上游音乐 API 的三个操作，外加读取歌词文件
type Gateway interface {
	Search(ctx context.Context, query string) (Hit, error)
	Stream(ctx context.Context, id string) ([]byte, error)
	Lyric(ctx context.Context, id string) (lyric.Document, error)
	FetchText(ctx context.Context, url string) (string, error)
}

// Error 上游调用失败：网络错误、超时、非 0 的 err 字段或无法解析的响应
type Error struct {
	Op   string
	Code int // 上游 err 字段或 HTTP 状态码，网络错误时为 0
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("upstream %s: code %d: %s", e.Op, e.Code, e.Msg)
	default:
		return fmt.Sprintf("upstream %s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
