package lyric

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoLyric 歌曲没有可用的歌词
var ErrNoLyric = errors.New("no lyric available")

// Document 上游返回的歌词，RemoteFile 或 TimedWords 之一
type Document interface {
	isDocument()
}

// RemoteFile 歌词是一个远程 LRC 文件
type RemoteFile struct {
	URL string
}

// TimedWords 逐字时间轴歌词
type TimedWords struct {
	Sentences []Sentence
}

// Sentence 一句歌词
type Sentence struct {
	Words []Word
}

// Word 一个字及其开始时间（毫秒）
type Word struct {
	Text    string
	StartMS int64
}

func (RemoteFile) isDocument() {}
func (TimedWords) isDocument() {}

// TextFetcher 获取远程歌词文件原文
type TextFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// Translate 把歌词转换为 LRC 文本。
// RemoteFile 原样返回文件内容；TimedWords 每个字输出一行。
func Translate(ctx context.Context, doc Document, fetcher TextFetcher) (string, error) {
	switch d := doc.(type) {
	case RemoteFile:
		if d.URL == "" {
			return "", ErrNoLyric
		}
		text, err := fetcher.FetchText(ctx, d.URL)
		if err != nil {
			return "", fmt.Errorf("fetch lyric file: %w", err)
		}
		return text, nil
	case TimedWords:
		return FormatWords(d)
	case nil:
		return "", ErrNoLyric
	default:
		return "", fmt.Errorf("unsupported lyric document %T", doc)
	}
}

// FormatWords 逐字生成 LRC 行
func FormatWords(d TimedWords) (string, error) {
	var b strings.Builder
	for _, s := range d.Sentences {
		for _, w := range s.Words {
			b.WriteString(FormatTag(w.StartMS))
			b.WriteString(w.Text)
			b.WriteByte('\n')
		}
	}
	if b.Len() == 0 {
		return "", ErrNoLyric
	}
	return b.String(), nil
}

// FormatTag 毫秒转为 [mm:ss.cc]
func FormatTag(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	minutes := ms / 60000
	seconds := (ms / 1000) % 60
	centis := (ms % 1000) / 10
	return fmt.Sprintf("[%02d:%02d.%02d]", minutes, seconds, centis)
}
