package stations

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/yleoer/mp3proxy/pkg/converter"
)

const (
	// DefaultToken /proxy_audio?stream= 使用的直播标识
	DefaultToken = "zing_mp3"
	// DefaultKeyPhrase 触发直播的搜索词
	DefaultKeyPhrase = "zing mp3"
	// DefaultID 默认电台在目录中的 ID
	DefaultID = "ZING_RADIO"

	vovStreamBase = "https://stream.vovmedia.vn/"
)

// Station 目录中的一个电台。有 Token 的电台由本服务实时转码，
// 只有 StreamURL 的电台客户端直接收听。
type Station struct {
	ID          string `yaml:"id"`
	Token       string `yaml:"token"`
	KeyPhrase   string `yaml:"key_phrase"`
	Name        string `yaml:"name"`
	Artist      string `yaml:"artist"`
	Description string `yaml:"description"`
	Genre       string `yaml:"genre"`
	PlaylistURL string `yaml:"playlist_url"`
	StreamURL   string `yaml:"stream_url"`
	Thumbnail   string `yaml:"thumbnail"`
	Language    string `yaml:"language"`
}

// Live 是否需要经过 ffmpeg 转码
func (st Station) Live() bool {
	return st.Token != "" && st.StreamURL == ""
}

type fileFormat struct {
	Stations []Station `yaml:"stations"`
}

// Default 内置的 Zing 电台
func Default(playlistURL string) Station {
	return Station{
		ID:          DefaultID,
		Token:       DefaultToken,
		KeyPhrase:   DefaultKeyPhrase,
		Name:        "Zing radio",
		Artist:      "Zing MP3",
		Description: "Zing radio",
		Genre:       "Music",
		PlaylistURL: playlistURL,
		Language:    "vi",
	}
}

func vov(id, name, path, description, genre string) Station {
	return Station{
		ID:          id,
		Name:        name,
		Artist:      "VOV",
		Description: description,
		Genre:       genre,
		StreamURL:   vovStreamBase + path,
		Language:    "vi",
	}
}

// Directory 内置的 VOV 电台，直接收听不需要转码
func Directory() []Station {
	return []Station{
		vov("VOV1", "VOV 1 - Đài Tiếng nói Việt Nam", "vov-1", "Kênh thông tin tổng hợp", "News/Talk"),
		vov("VOV2", "VOV 2 - Âm thanh Việt Nam", "vov-2", "Kênh văn hóa - văn nghệ", "Culture/Music"),
		vov("VOV3", "VOV 3 - Tiếng nói Việt Nam", "vov-3", "Kênh thông tin - giải trí", "Entertainment"),
		vov("VOV5", "VOV 5 - Tiếng nói người Việt", "vov5", "Kênh dành cho người Việt ở nước ngoài", "Overseas Vietnamese"),
		vov("VOVGT", "VOV Giao thông Hà Nội", "vovgt-hn", "Thông tin giao thông Hà Nội", "Traffic"),
		vov("VOVGT_HCM", "VOV Giao thông Hồ Chí Minh", "vovgt-hcm", "Thông tin giao thông TP. Hồ Chí Minh", "Traffic"),
		vov("VOV_ENGLISH", "VOV English Tiếng Anh", "vov247", "VOV English Service", "International"),
		vov("VOV_MEKONG", "VOV Mê Kông", "vovmekong", "Kênh vùng Đồng bằng sông Cửu Long", "Regional"),
		vov("VOV_MIENTRUNG", "VOV Miền Trung", "vov4mt", "Kênh vùng miền Trung", "Regional"),
		vov("VOV_TAYBAC", "VOV Tây Bắc", "vov4tb", "Kênh vùng Tây Bắc", "Regional"),
		vov("VOV_DONGBAC", "VOV Đông Bắc", "vov4db", "Kênh vùng Đông Bắc", "Regional"),
		vov("VOV_TAYNGUYEN", "VOV Tây Nguyên", "vov4tn", "Kênh vùng Tây Nguyên", "Regional"),
	}
}

// Catalog 当前可用的电台，可整体替换
type Catalog struct {
	mu       sync.RWMutex
	stations []Station
	fallback Station
}

// NewCatalog 创建目录，fallback 排在 builtin 之后且始终保留
func NewCatalog(fallback Station, builtin ...Station) *Catalog {
	list := make([]Station, 0, len(builtin)+1)
	list = append(list, builtin...)
	return &Catalog{
		stations: append(list, fallback),
		fallback: fallback,
	}
}

// Match 规范化后的搜索词等于关键词，或等于关键词的第一个词。只匹配需要转码的电台。
func (c *Catalog) Match(query string) (Station, bool) {
	q := converter.Normalize(query)
	if q == "" {
		return Station{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, st := range c.stations {
		key := converter.Normalize(st.KeyPhrase)
		if key == "" || !st.Live() {
			continue
		}
		first, _, _ := strings.Cut(key, " ")
		if q == key || q == first {
			return st, true
		}
	}
	return Station{}, false
}

// ByToken 按直播标识查找需要转码的电台
func (c *Catalog) ByToken(token string) (Station, bool) {
	if token == "" {
		return Station{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, st := range c.stations {
		if st.Token == token && st.Live() {
			return st, true
		}
	}
	return Station{}, false
}

// Lookup 按 ID 或名称查找电台。依次尝试：ID 完全相同、
// 忽略大小写的 ID、名称包含查询词（忽略大小写）。
func (c *Catalog) Lookup(idOrName string) (Station, bool) {
	q := strings.ToLower(strings.TrimSpace(idOrName))
	if q == "" {
		return Station{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, st := range c.stations {
		if st.ID == idOrName {
			return st, true
		}
	}
	for _, st := range c.stations {
		if strings.ToLower(st.ID) == q {
			return st, true
		}
	}
	for _, st := range c.stations {
		if strings.Contains(strings.ToLower(st.Name), q) {
			return st, true
		}
	}
	return Station{}, false
}

// List 返回所有电台的副本
func (c *Catalog) List() []Station {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Station(nil), c.stations...)
}

// Replace 用新列表替换目录，内置的 VOV 电台也随之替换。
// 文件中没有默认电台时保留默认电台。
func (c *Catalog) Replace(list []Station) {
	merged := make([]Station, 0, len(list)+1)
	hasFallback := false
	for _, st := range list {
		if st.Token == c.fallback.Token {
			hasFallback = true
			if st.PlaylistURL == "" {
				st.PlaylistURL = c.fallback.PlaylistURL
			}
		}
		merged = append(merged, st)
	}
	if !hasFallback {
		merged = append(merged, c.fallback)
	}

	c.mu.Lock()
	c.stations = merged
	c.mu.Unlock()
}

// LoadFile 读取 YAML 电台列表并校验
func LoadFile(path string) ([]Station, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stations file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stations yaml: %w", err)
	}

	ids := make(map[string]bool, len(f.Stations))
	tokens := make(map[string]bool, len(f.Stations))
	for i := range f.Stations {
		st := &f.Stations[i]
		switch {
		case st.StreamURL != "":
			if st.ID == "" {
				return nil, fmt.Errorf("station %d: id is required with stream_url", i)
			}
		case st.Token == "" || st.KeyPhrase == "":
			return nil, fmt.Errorf("station %d: token and key_phrase are required", i)
		case st.PlaylistURL == "" && st.Token != DefaultToken:
			return nil, fmt.Errorf("station %d: playlist_url is required", i)
		}

		switch {
		case st.ID != "":
		case st.Token == DefaultToken:
			st.ID = DefaultID
		default:
			st.ID = strings.ToUpper(st.Token)
		}
		if ids[st.ID] {
			return nil, fmt.Errorf("station %d: duplicate id %q", i, st.ID)
		}
		ids[st.ID] = true
		if st.Token != "" {
			if tokens[st.Token] {
				return nil, fmt.Errorf("station %d: duplicate token %q", i, st.Token)
			}
			tokens[st.Token] = true
		}
	}
	return f.Stations, nil
}
