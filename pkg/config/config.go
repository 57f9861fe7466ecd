package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config 服务运行所需的全部配置
type Config struct {
	// 监听端口
	Port int `env:"PORT" envDefault:"5005"`
	// 上游音乐 API 地址
	UpstreamAPI string `env:"UPSTREAM_API_URL" envDefault:"http://localhost:3000/api"`
	// 上游请求固定的 User-Agent
	UserAgent string `env:"USER_AGENT" envDefault:"mp3-proxy/1.0"`
	// 搜索和歌词请求超时
	SearchTimeout time.Duration `env:"SEARCH_TIMEOUT" envDefault:"15s"`
	// 音频下载超时
	StreamTimeout time.Duration `env:"STREAM_TIMEOUT" envDefault:"120s"`
	// 上游请求速率，0 表示不限
	UpstreamRPS   float64 `env:"UPSTREAM_RPS" envDefault:"0"`
	UpstreamBurst int     `env:"UPSTREAM_BURST" envDefault:"5"`
	// 内存缓存最多保存的歌曲数
	MaxCacheItems int `env:"MAX_CACHE_ENTRIES" envDefault:"10"`
	// 同时进行的预取数量
	PrefetchWorkers int `env:"PREFETCH_WORKERS" envDefault:"2"`

	FFmpegPath      string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	LivePlaylistURL string `env:"LIVE_PLAYLIST_URL" envDefault:"https://zingmp3.vn/radio/live/playlist.m3u8"`
	// 客户端断开后强制结束 ffmpeg 的等待时间
	KillGrace time.Duration `env:"TRANSCODE_KILL_GRACE" envDefault:"3s"`

	// 直播电台列表 YAML，可选
	StationsFile string `env:"STATIONS_FILE"`
	// 搜索记录 SQLite 路径，为空则不记录
	HistoryDB string `env:"HISTORY_DB"`
	QueryT2S  bool   `env:"QUERY_T2S" envDefault:"false"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadConfig 从 .env 文件和环境变量加载配置
func LoadConfig() (*Config, error) {
	// 尝试加载 .env 文件，不存在时忽略
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	u, err := url.Parse(c.UpstreamAPI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream API url must be absolute, got %q", c.UpstreamAPI)
	}
	if c.MaxCacheItems <= 0 {
		return fmt.Errorf("MAX_CACHE_ENTRIES must be positive, got %d", c.MaxCacheItems)
	}
	if c.SearchTimeout <= 0 || c.StreamTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.PrefetchWorkers <= 0 {
		c.PrefetchWorkers = 1
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 3 * time.Second
	}
	return nil
}

// Addr 返回 HTTP 监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
