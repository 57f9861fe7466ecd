package stations

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// 编辑器保存文件时会连续触发多个事件，合并后再重新加载
const reloadDelay = 500 * time.Millisecond

// Watcher 监听电台文件变化并重新加载目录
type Watcher struct {
	path    string
	catalog *Catalog
	watcher *fsnotify.Watcher
	logger  *log.Logger
	delay   time.Duration

	mu      sync.Mutex
	pending *time.Timer
	done    chan struct{}
}

// Watch 先加载一次文件，再监听其所在目录。
// 首次加载失败时返回错误，之后的失败只记录日志并保留旧目录。
func Watch(path string, catalog *Catalog, logger *log.Logger) (*Watcher, error) {
	list, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	catalog.Replace(list)
	logger.Info("stations loaded", "file", path, "count", len(catalog.List()))

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// 监听目录而不是文件，编辑器可能用 rename 的方式替换文件
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		catalog: catalog,
		watcher: fw,
		logger:  logger,
		delay:   reloadDelay,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug("watcher event", "op", event.Op.String(), "file", event.Name)
				w.triggerReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "err", err)
		}
	}
}

// triggerReload 重置计时器，最后一次事件之后才加载
func (w *Watcher) triggerReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.delay, w.reload)
}

func (w *Watcher) reload() {
	list, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("keeping previous stations, reload failed", "file", w.path, "err", err)
		return
	}
	w.catalog.Replace(list)
	w.logger.Info("stations reloaded", "file", w.path, "count", len(w.catalog.List()))
}

// Close 停止监听
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	err := w.watcher.Close()
	<-w.done
	return err
}
