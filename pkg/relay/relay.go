package relay

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dhowden/tag"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/yleoer/mp3proxy/pkg/cache"
	"github.com/yleoer/mp3proxy/pkg/converter"
	"github.com/yleoer/mp3proxy/pkg/database"
	"github.com/yleoer/mp3proxy/pkg/lyric"
	"github.com/yleoer/mp3proxy/pkg/metrics"
	"github.com/yleoer/mp3proxy/pkg/scheduler"
	"github.com/yleoer/mp3proxy/pkg/stations"
	"github.com/yleoer/mp3proxy/pkg/transcode"
	"github.com/yleoer/mp3proxy/pkg/upstream"
)

const (
	audioPath = "/proxy_audio"
	lyricPath = "/proxy_lyric"

	unknownLanguage = "unknown"
	unknownArtist   = "Unknown"
)

// SearchResult /stream_pcm 的响应，URL 都是相对路径
type SearchResult struct {
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	AudioURL  string `json:"audio_url"`
	LyricURL  string `json:"lyric_url"`
	Thumbnail string `json:"thumbnail"`
	Duration  int    `json:"duration"`
	Language  string `json:"language"`
}

// Health /health 的响应
type Health struct {
	Status          string        `json:"status"`
	CacheSize       int           `json:"cache_size"`
	CachedSongs     []string      `json:"cached_songs"`
	CacheBytes      string        `json:"cache_bytes"`
	PrefetchPending int           `json:"prefetch_pending"`
	LiveSessions    int           `json:"live_sessions"`
	Live            []LiveSession `json:"live"`
}

// LiveSession 一个直播会话的状态
type LiveSession struct {
	ID      string `json:"id"`
	Station string `json:"station"`
	State   string `json:"state"`
	Sent    string `json:"sent"`
	Uptime  string `json:"uptime"`
}

// StationInfo /stations 的条目。AudioURL 只在按名称查找时返回。
type StationInfo struct {
	ID          string `json:"id"`
	Token       string `json:"token,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Genre       string `json:"genre"`
	AudioURL    string `json:"audio_url,omitempty"`
}

// LiveStatus 报告正在进行的直播会话
type LiveStatus interface {
	Active() int
	Sessions() []transcode.SessionInfo
}

// Options 组装 Service 所需的依赖
type Options struct {
	Gateway   upstream.Gateway
	Cache     *cache.TrackCache
	Catalog   *stations.Catalog
	Converter converter.TextConverter // 为空时不转换
	History   database.SearchLog      // 为空时不记录
	Live      LiveStatus

	PrefetchWorkers int
	PrefetchTimeout time.Duration
}

// Service 处理搜索、音频与歌词请求
type Service struct {
	gateway   upstream.Gateway
	cache     *cache.TrackCache
	catalog   *stations.Catalog
	converter converter.TextConverter
	history   database.SearchLog
	live      LiveStatus

	prefetcher *scheduler.Prefetcher
	group      singleflight.Group

	// 下载的生命周期跟随服务而不是单个请求
	ctx    context.Context
	cancel context.CancelFunc

	metrics *metrics.Metrics
	logger  *log.Logger
}

// New 创建一个新的 Service 实例
func New(opts Options, m *metrics.Metrics, logger *log.Logger) *Service {
	if opts.Converter == nil {
		opts.Converter = converter.NewPassthrough()
	}
	if opts.History == nil {
		opts.History = database.NewNop()
	}
	if opts.Catalog == nil {
		opts.Catalog = stations.NewCatalog(stations.Default(""))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		gateway:   opts.Gateway,
		cache:     opts.Cache,
		catalog:   opts.Catalog,
		converter: opts.Converter,
		history:   opts.History,
		live:      opts.Live,
		ctx:       ctx,
		cancel:    cancel,
		metrics:   m,
		logger:    logger,
	}
	s.prefetcher = scheduler.NewPrefetcher(s.prefetch, s.cache.Contains, opts.PrefetchWorkers, opts.PrefetchTimeout, logger)
	return s
}

// AudioURL 已缓存歌曲的相对地址
func AudioURL(id string) string {
	return audioPath + "?id=" + url.QueryEscape(id)
}

// LiveURL 直播电台的相对地址
func LiveURL(token string) string {
	return audioPath + "?stream=" + url.QueryEscape(token)
}

// LyricURL 歌词的相对地址
func LyricURL(id string) string {
	return lyricPath + "?id=" + url.QueryEscape(id)
}

// Search 解析歌名，返回第一首匹配的歌曲或直播电台
func (s *Service) Search(ctx context.Context, song, artist string) (SearchResult, error) {
	song = strings.TrimSpace(song)
	artist = strings.TrimSpace(artist)
	if song == "" {
		return SearchResult{}, &BadRequestError{Param: "song"}
	}

	if st, ok := s.catalog.Match(song); ok {
		s.logger.Info("-> live station", "query", song, "token", st.Token)
		s.record(ctx, database.Entry{Query: song, TrackID: st.Token, Title: st.Name, Artist: st.Artist, Live: true})
		return liveResult(st), nil
	}

	query := song
	if artist != "" {
		query += " " + artist
	}
	query = s.converter.TradToSim(query)

	hit, err := s.gateway.Search(ctx, query)
	if err != nil {
		if errors.Is(err, upstream.ErrNoResults) || errors.Is(err, upstream.ErrNoID) {
			return SearchResult{}, &NotFoundError{What: "song", Song: song, Artist: artist, Err: err}
		}
		return SearchResult{}, &UpstreamError{Op: "search", Err: err}
	}

	s.prefetcher.Trigger(hit.ID)

	res := SearchResult{
		Title:     hit.Title,
		Artist:    hit.Artist,
		AudioURL:  AudioURL(hit.ID),
		LyricURL:  LyricURL(hit.ID),
		Thumbnail: hit.Thumbnail,
		Duration:  hit.Duration,
		Language:  hit.Language,
	}
	if res.Title == "" {
		res.Title = song
	}
	if res.Artist == "" {
		res.Artist = cmp.Or(artist, unknownArtist)
	}
	if res.Language == "" {
		res.Language = unknownLanguage
	}

	s.logger.Info("-> found", "query", query, "id", hit.ID, "title", res.Title, "artist", res.Artist)
	s.record(ctx, database.Entry{Query: query, TrackID: hit.ID, Title: res.Title, Artist: res.Artist})
	return res, nil
}

func liveResult(st stations.Station) SearchResult {
	return SearchResult{
		Title:     st.Name,
		Artist:    st.Artist,
		AudioURL:  LiveURL(st.Token),
		Thumbnail: st.Thumbnail,
		Language:  cmp.Or(st.Language, unknownLanguage),
	}
}

func (s *Service) record(ctx context.Context, e database.Entry) {
	e.SearchAt = time.Now()
	if err := s.history.Record(ctx, e); err != nil {
		s.logger.Warn("-> failed to record search", "query", e.Query, "err", err)
	}
}

// Station 按 token 查找需要转码的直播电台
func (s *Service) Station(token string) (stations.Station, bool) {
	return s.catalog.ByToken(token)
}

// Stations 列出目录中的所有电台，不含收听地址
func (s *Service) Stations() []StationInfo {
	list := s.catalog.List()
	result := make([]StationInfo, 0, len(list))
	for _, st := range list {
		result = append(result, stationInfo(st))
	}
	return result
}

// FindStation 按 ID 或名称查找电台并给出收听地址
func (s *Service) FindStation(query string) (StationInfo, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return StationInfo{}, &BadRequestError{Param: "q"}
	}

	st, ok := s.catalog.Lookup(query)
	if !ok {
		return StationInfo{}, &NotFoundError{What: "station", ID: query}
	}
	info := stationInfo(st)
	info.AudioURL = StationURL(st)
	return info, nil
}

// StationURL 转码电台返回本服务的相对地址，其他电台直接返回源地址
func StationURL(st stations.Station) string {
	if st.Live() {
		return LiveURL(st.Token)
	}
	return st.StreamURL
}

func stationInfo(st stations.Station) StationInfo {
	return StationInfo{
		ID:          st.ID,
		Token:       st.Token,
		Name:        st.Name,
		Description: st.Description,
		Genre:       st.Genre,
	}
}

// FetchAudio 返回完整的歌曲数据，未命中缓存时同步下载并写入缓存
func (s *Service) FetchAudio(ctx context.Context, id string) ([]byte, error) {
	if id == "" {
		return nil, &BadRequestError{Param: "id"}
	}

	if data, ok := s.cache.Get(id); ok {
		s.metrics.CacheHit()
		s.logger.Debug("-> cache hit", "id", id)
		return data, nil
	}
	s.metrics.CacheMiss()

	data, err := s.load(ctx, id)
	if err != nil {
		return nil, &UpstreamError{Op: "stream", Err: err}
	}
	return data, nil
}

// prefetch 供 Prefetcher 调用。等到下载真正结束才返回，
// 这样 Prefetcher 的并发名额始终对应一个进行中的下载。
// 下载时长由上游的 StreamTimeout 限制。
func (s *Service) prefetch(_ context.Context, id string) error {
	_, err := s.load(s.ctx, id)
	return err
}

// load 合并同一 ID 的并发下载。下载使用服务自身的 context，
// 调用方放弃等待时不会中断其他等待者。
func (s *Service) load(ctx context.Context, id string) ([]byte, error) {
	ch := s.group.DoChan(id, func() (any, error) {
		if data, ok := s.cache.Get(id); ok {
			return data, nil
		}

		data, err := s.gateway.Stream(s.ctx, id)
		if err != nil {
			return nil, err
		}

		if evicted := s.cache.Put(id, data); evicted != "" {
			s.metrics.CacheEvicted()
			s.logger.Debug("-> evicted", "id", evicted)
		}
		s.logger.Info("-> cached", "id", id, "title", tagTitle(data), "size", humanize.IBytes(uint64(len(data))), "entries", s.cache.Len())
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tagTitle 读取 ID3 标题，仅用于日志
func tagTitle(data []byte) string {
	m, err := tag.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	if m.Artist() != "" {
		return m.Artist() + " - " + m.Title()
	}
	return m.Title()
}

// FetchLyric 返回逐字时间轴歌词，任何失败都视为没有歌词
func (s *Service) FetchLyric(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", &BadRequestError{Param: "id"}
	}

	doc, err := s.gateway.Lyric(ctx, id)
	if err != nil {
		s.logger.Debug("-> lyric lookup failed", "id", id, "err", err)
		return "", &NotFoundError{What: "lyric", ID: id, Err: err}
	}

	text, err := lyric.Translate(ctx, doc, s.gateway)
	if err != nil {
		s.logger.Debug("-> lyric translate failed", "id", id, "err", err)
		return "", &NotFoundError{What: "lyric", ID: id, Err: err}
	}
	return text, nil
}

// History 最近的搜索记录
func (s *Service) History(ctx context.Context, limit int) ([]database.Entry, error) {
	entries, err := s.history.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []database.Entry{}
	}
	return entries, nil
}

// Health 返回当前状态快照
func (s *Service) Health() Health {
	h := Health{
		Status:          "ok",
		CacheSize:       s.cache.Len(),
		CachedSongs:     s.cache.Keys(),
		CacheBytes:      humanize.IBytes(uint64(s.cache.Bytes())),
		PrefetchPending: s.prefetcher.Pending(),
		Live:            []LiveSession{},
	}
	if s.live == nil {
		return h
	}

	h.LiveSessions = s.live.Active()
	for _, info := range s.live.Sessions() {
		h.Live = append(h.Live, LiveSession{
			ID:      info.ID,
			Station: info.Station,
			State:   info.State.String(),
			Sent:    humanize.IBytes(uint64(info.Bytes)),
			Uptime:  time.Since(info.Started).Round(time.Second).String(),
		})
	}
	return h
}

// Close 停止预取并取消正在进行的下载
func (s *Service) Close() {
	s.cancel()
	s.prefetcher.Close()
}
