package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// FetchFunc 下载并缓存一首歌
type FetchFunc func(ctx context.Context, id string) error

// Prefetcher 在搜索返回后异步把歌曲下载进缓存。
// 同一个 ID 在完成前只会排队一次，同时运行的下载数受 workers 限制。
type Prefetcher struct {
	fetch   FetchFunc
	cached  func(id string) bool
	timeout time.Duration
	logger  *log.Logger

	sem          chan struct{}
	pending      map[string]struct{}
	pendingMutex sync.Mutex // 保护 pending map
	wg           sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPrefetcher 创建一个新的 Prefetcher 实例
func NewPrefetcher(fetch FetchFunc, cached func(id string) bool, workers int, timeout time.Duration, logger *log.Logger) *Prefetcher {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		fetch:   fetch,
		cached:  cached,
		timeout: timeout,
		logger:  logger,
		sem:     make(chan struct{}, workers),
		pending: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Trigger 安排一次预取，立即返回。已缓存或已在队列中的 ID 会被忽略。
func (p *Prefetcher) Trigger(id string) bool {
	if id == "" || p.cached(id) {
		return false
	}

	p.pendingMutex.Lock()
	if p.ctx.Err() != nil {
		p.pendingMutex.Unlock()
		return false
	}
	if _, ok := p.pending[id]; ok {
		p.pendingMutex.Unlock()
		return false
	}
	p.pending[id] = struct{}{}
	p.wg.Add(1)
	p.pendingMutex.Unlock()

	go p.run(id)
	return true
}

func (p *Prefetcher) run(id string) {
	defer p.wg.Done()
	defer func() {
		p.pendingMutex.Lock()
		delete(p.pending, id)
		p.pendingMutex.Unlock()
	}()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-p.ctx.Done():
		return
	}

	// 排队期间可能已经被 proxy_audio 下载过
	if p.cached(id) {
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	start := time.Now()
	if err := p.fetch(ctx, id); err != nil {
		p.logger.Warn("-> prefetch failed", "id", id, "err", err)
		return
	}
	p.logger.Debug("-> prefetched", "id", id, "took", time.Since(start).Round(time.Millisecond))
}

// Pending 排队或正在下载的数量
func (p *Prefetcher) Pending() int {
	p.pendingMutex.Lock()
	defer p.pendingMutex.Unlock()
	return len(p.pending)
}

// Wait 等待所有预取结束
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Close 取消尚未完成的预取并等待退出
func (p *Prefetcher) Close() {
	p.pendingMutex.Lock()
	p.cancel()
	p.pendingMutex.Unlock()
	p.wg.Wait()
}
