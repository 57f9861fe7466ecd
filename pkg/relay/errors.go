package relay

import "fmt"

// BadRequestError 缺少必填参数
type BadRequestError struct {
	Param string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Param)
}

// NotFoundError 没有找到歌曲、歌词或电台
type NotFoundError struct {
	What   string // "song"、"lyric" 或 "station"
	Song   string
	Artist string
	ID     string
	Err    error
}

func (e *NotFoundError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("%s not found for id %s", e.What, e.ID)
	case e.Artist != "":
		return fmt.Sprintf("%s not found: %s - %s", e.What, e.Song, e.Artist)
	default:
		return fmt.Sprintf("%s not found: %s", e.What, e.Song)
	}
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// UpstreamError 上游不可用、超时或返回了错误
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
