package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/yleoer/mp3proxy/pkg/lyric"
	"github.com/yleoer/mp3proxy/pkg/metrics"
)

// 单首歌曲下载的上限，防止异常响应占满内存
const maxAudioBytes = 64 << 20

// 优先使用的音质
var streamQualities = []string{"128", "320"}

// Options 上游客户端配置
type Options struct {
	BaseURL       string
	UserAgent     string
	SearchTimeout time.Duration // 搜索、歌词、歌词文件
	StreamTimeout time.Duration // 解析播放地址并下载整首歌
	RPS           float64       // 0 表示不限速
	Burst         int
}

type envelope struct {
	Err  int             `json:"err"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type searchData struct {
	Songs []struct {
		EncodeID     string `json:"encodeId"`
		Title        string `json:"title"`
		ArtistsNames string `json:"artistsNames"`
		Thumbnail    string `json:"thumbnail"`
		ThumbnailM   string `json:"thumbnailM"`
		Duration     int    `json:"duration"`
		Language     string `json:"language"`
	} `json:"songs"`
}

type lyricData struct {
	File      string `json:"file"`
	Sentences []struct {
		Words []struct {
			StartTime int64  `json:"startTime"`
			EndTime   int64  `json:"endTime"`
			Data      string `json:"data"`
		} `json:"words"`
	} `json:"sentences"`
}

// Client 是 Gateway 的 HTTP 实现，不做任何重试
type Client struct {
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *log.Logger
}

// NewClient 创建一个新的上游客户端实例
func NewClient(opts Options, m *metrics.Metrics, logger *log.Logger) *Client {
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 15 * time.Second
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 120 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mp3-proxy/1.0"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		opts:       opts,
		httpClient: &http.Client{}, // 超时由每次调用的 context 控制
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    m,
		logger:     logger,
	}
}

// Search 搜索歌曲，只取第一个结果
func (c *Client) Search(ctx context.Context, query string) (Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SearchTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("keyword", query)

	var data searchData
	if err := c.getJSON(ctx, "search", searchPath, params, &data); err != nil {
		return Hit{}, err
	}
	if len(data.Songs) == 0 {
		return Hit{}, ErrNoResults
	}

	top := data.Songs[0]
	if strings.TrimSpace(top.EncodeID) == "" {
		return Hit{}, ErrNoID
	}
	hit := Hit{
		ID:        top.EncodeID,
		Title:     top.Title,
		Artist:    top.ArtistsNames,
		Thumbnail: top.ThumbnailM,
		Duration:  top.Duration,
		Language:  top.Language,
	}
	if hit.Thumbnail == "" {
		hit.Thumbnail = top.Thumbnail
	}
	c.logger.Debug("-> matched song", "query", query, "id", hit.ID, "title", hit.Title)
	return hit, nil
}

// Stream 解析播放地址并下载完整音频
func (c *Client) Stream(ctx context.Context, id string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.StreamTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("id", id)

	var links map[string]string
	if err := c.getJSON(ctx, "stream", songPath, params, &links); err != nil {
		return nil, err
	}

	var audioURL string
	for _, q := range streamQualities {
		if u := links[q]; strings.HasPrefix(u, "http") {
			audioURL = u
			break
		}
	}
	if audioURL == "" {
		return nil, &Error{Op: "stream", Msg: "no playable url for " + id}
	}

	start := time.Now()
	body, err := c.download(ctx, audioURL, maxAudioBytes)
	c.metrics.ObserveUpstream("download", err, time.Since(start))
	if err != nil {
		return nil, &Error{Op: "download", Err: err}
	}
	c.logger.Debug("-> downloaded track", "id", id, "size", humanize.Bytes(uint64(len(body))), "took", time.Since(start).Round(time.Millisecond))
	return body, nil
}

// Lyric 获取歌词并在这里区分文件和逐字两种形式
func (c *Client) Lyric(ctx context.Context, id string) (lyric.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SearchTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("id", id)

	var data *lyricData
	if err := c.getJSON(ctx, "lyric", lyricPath, params, &data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, lyric.ErrNoLyric
	}
	if data.File != "" {
		return lyric.RemoteFile{URL: data.File}, nil
	}
	if len(data.Sentences) == 0 {
		return nil, lyric.ErrNoLyric
	}

	doc := lyric.TimedWords{Sentences: make([]lyric.Sentence, 0, len(data.Sentences))}
	for _, s := range data.Sentences {
		sentence := lyric.Sentence{Words: make([]lyric.Word, 0, len(s.Words))}
		for _, w := range s.Words {
			sentence.Words = append(sentence.Words, lyric.Word{Text: w.Data, StartMS: w.StartTime})
		}
		doc.Sentences = append(doc.Sentences, sentence)
	}
	return doc, nil
}

// FetchText 原样读取远程歌词文件
func (c *Client) FetchText(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.SearchTimeout)
	defer cancel()

	start := time.Now()
	body, err := c.download(ctx, rawURL, 1<<20)
	c.metrics.ObserveUpstream("lyric_file", err, time.Since(start))
	if err != nil {
		return "", &Error{Op: "lyric_file", Err: err}
	}
	return string(body), nil
}

// getJSON 请求上游并校验 err 字段，data 解析到 out
func (c *Client) getJSON(ctx context.Context, op, path string, params url.Values, out any) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveUpstream(op, err, time.Since(start)) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Err: err}
	}

	reqURL := c.opts.BaseURL + path + "?" + params.Encode()
	body, err := c.download(ctx, reqURL, 4<<20)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &Error{Op: op, Msg: "malformed response", Err: err}
	}
	if env.Err != 0 {
		return &Error{Op: op, Code: env.Err, Msg: env.Msg}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		// 没有 data 时由调用方按空结果处理
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Op: op, Msg: "malformed data", Err: err}
	}
	return nil
}

// download GET 一个地址并读取全部内容
func (c *Client) download(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response exceeds %s", humanize.Bytes(uint64(limit)))
	}
	return body, nil
}
