package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// sqliteLog 是 SearchLog 接口的 SQLite 实现
type sqliteLog struct {
	db     *sql.DB
	logger *log.Logger
}

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS searches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		track_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		artist TEXT NOT NULL DEFAULT '',
		live INTEGER NOT NULL DEFAULT 0,
		searched_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_searches_searched_at ON searches (searched_at);
	`

// NewSQLiteLog 初始化 SQLite 数据库并返回 SearchLog 接口实例
func NewSQLiteLog(dataSourceName string, logger *log.Logger) (SearchLog, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// sqlite 只允许一个写连接
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close() // 创建表失败也要关闭连接
		return nil, fmt.Errorf("failed to create searches table: %w", err)
	}
	logger.Info("SQLite search log initialized", "path", dataSourceName)
	return &sqliteLog{db: db, logger: logger}, nil
}

// Close 关闭数据库连接
func (s *sqliteLog) Close() error {
	err := s.db.Close()
	s.logger.Info("SQLite search log closed")
	return err
}

// Record 记录一次搜索
func (s *sqliteLog) Record(ctx context.Context, e Entry) error {
	if e.SearchAt.IsZero() {
		e.SearchAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO searches (query, track_id, title, artist, live, searched_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.Query, e.TrackID, e.Title, e.Artist, e.Live, e.SearchAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record search %q: %w", e.Query, err)
	}
	return nil
}

// Recent 按时间倒序返回最近的搜索
func (s *sqliteLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT query, track_id, title, artist, live, searched_at FROM searches ORDER BY searched_at DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent searches: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Query, &e.TrackID, &e.Title, &e.Artist, &e.Live, &e.SearchAt); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
