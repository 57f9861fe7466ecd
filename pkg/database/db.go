package database

import (
	"context"
	"time"
)

// Entry 一次成功解析的搜索
type Entry struct {
	Query    string    `json:"query"`
	TrackID  string    `json:"track_id"`
	Title    string    `json:"title"`
	Artist   string    `json:"artist"`
	Live     bool      `json:"live"`
	SearchAt time.Time `json:"searched_at"`
}

// SearchLog 定义搜索记录存储接口
type SearchLog interface {
	Record(ctx context.Context, e Entry) error             // 记录一次搜索
	Recent(ctx context.Context, limit int) ([]Entry, error) // 按时间倒序返回最近的搜索
	Close() error                                           // 关闭数据库连接
}

// nopLog 未配置数据库时使用
type nopLog struct{}

// NewNop 返回不保存任何内容的 SearchLog
func NewNop() SearchLog {
	return nopLog{}
}

func (nopLog) Record(context.Context, Entry) error          { return nil }
func (nopLog) Recent(context.Context, int) ([]Entry, error) { return nil, nil }
func (nopLog) Close() error                                 { return nil }
