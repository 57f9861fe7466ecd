package cache

import (
	"container/list"
	"sync"
)

// DefaultMaxEntries 默认最多缓存的歌曲数
const DefaultMaxEntries = 10

// CachedTrack 一首完整下载的歌曲，插入后不再修改
type CachedTrack struct {
	ID    string
	Bytes []byte
}

// TrackCache 按插入顺序淘汰的内存缓存（FIFO）。
// 读取不会改变淘汰顺序，满时先淘汰最早插入的一项再插入新项，
// 所以任何时刻 Len() <= maxEntries。
type TrackCache struct {
	maxEntries int
	size       int64

	items map[string]*list.Element
	order *list.List // 头部最早插入

	mu sync.Mutex
}

// New 创建一个最多保存 maxEntries 首歌曲的缓存
func New(maxEntries int) *TrackCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &TrackCache{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Get 读取缓存，不更新顺序
func (c *TrackCache) Get(id string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*CachedTrack).Bytes, true
}

// Contains 判断是否已缓存
func (c *TrackCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	return ok
}

// Put 插入一首歌曲，返回被淘汰的 ID（没有则为空）。
// 已存在的 ID 保持原内容和原位置。
func (c *TrackCache) Put(id string, data []byte) (evicted string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[id]; ok {
		return ""
	}

	if c.order.Len() >= c.maxEntries {
		evicted = c.evictOldest()
	}

	elem := c.order.PushBack(&CachedTrack{ID: id, Bytes: data})
	c.items[id] = elem
	c.size += int64(len(data))
	return evicted
}

// evictOldest 调用方需持有锁
func (c *TrackCache) evictOldest() string {
	front := c.order.Front()
	if front == nil {
		return ""
	}
	entry := c.order.Remove(front).(*CachedTrack)
	delete(c.items, entry.ID)
	c.size -= int64(len(entry.Bytes))
	return entry.ID
}

// Len 当前缓存数量
func (c *TrackCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys 按插入顺序返回所有 ID
func (c *TrackCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*CachedTrack).ID)
	}
	return keys
}

// Bytes 缓存中音频数据的总大小
func (c *TrackCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxEntries 缓存上限
func (c *TrackCache) MaxEntries() int {
	return c.maxEntries
}
