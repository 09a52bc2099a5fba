// 文件变更监听器实现。
//
// 通过轮询 (mtime, size) 检测事实文件、类文件与 DDL 的变化，
// 防抖后批量回调。serve 子命令用它触发 Inventory.Reload。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileWatcher 轮询一组文件的变化
type FileWatcher struct {
	mu sync.Mutex

	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration
	running       bool

	logger *zap.Logger

	// 每个路径最近一次看到的状态，不存在的文件没有条目
	seen map[string]fileState
}

type fileState struct {
	modTime time.Time
	size    int64
}

// FileEvent 单个文件的变化
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp 变化类型
type FileOp int

const (
	// FileOpCreate 文件出现
	FileOpCreate FileOp = iota
	// FileOpWrite 文件内容或时间戳变化
	FileOpWrite
	// FileOpRemove 文件消失
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDebounceDelay 设置防抖延迟，0 表示立即回调
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d >= 0 {
			w.debounceDelay = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher 创建监听器，空路径会被忽略
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		logger:        zap.NewNop(),
		seen:          make(map[string]fileState),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "file_watcher"))

	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := w.AddPath(p); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// AddPath 添加监听路径，重复路径忽略
func (w *FileWatcher) AddPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.paths {
		if p == abs {
			return nil
		}
	}

	info, err := os.Stat(abs)
	switch {
	case err == nil:
		w.seen[abs] = fileState{modTime: info.ModTime(), size: info.Size()}
	case os.IsNotExist(err):
		w.logger.Warn("watched file does not exist, waiting for creation", zap.String("path", abs))
	default:
		return fmt.Errorf("failed to stat path %s: %w", abs, err)
	}
	w.paths = append(w.paths, abs)
	return nil
}

// Paths 返回监听路径副本
func (w *FileWatcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.paths))
	copy(out, w.paths)
	return out
}

// Watch 阻塞轮询直到 ctx 结束。onChange 在本 goroutine 中串行调用，
// 每次收到防抖窗口内按路径合并后的事件。
func (w *FileWatcher) Watch(ctx context.Context, onChange func([]FileEvent)) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.Paths()),
		zap.Duration("poll_interval", w.pollInterval))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var fire <-chan time.Time
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		events := make([]FileEvent, 0, len(pending))
		for _, e := range pending {
			events = append(events, e)
		}
		sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
		clear(pending)
		for _, e := range events {
			w.logger.Debug("file changed", zap.String("path", e.Path), zap.Stringer("op", e.Op))
		}
		onChange(events)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events := w.Poll()
			if len(events) == 0 {
				continue
			}
			for _, e := range events {
				pending[e.Path] = e
			}
			if w.debounceDelay == 0 {
				flush()
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounceDelay)
			} else {
				debounce.Reset(w.debounceDelay)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			flush()
		}
	}
}

// Poll 检查一次所有路径，返回自上次检查以来的变化
func (w *FileWatcher) Poll() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var events []FileEvent
	for _, path := range w.paths {
		prev, existed := w.seen[path]
		info, err := os.Stat(path)
		if err != nil {
			if existed {
				delete(w.seen, path)
				events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
			}
			continue
		}

		cur := fileState{modTime: info.ModTime(), size: info.Size()}
		w.seen[path] = cur
		switch {
		case !existed:
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case !cur.modTime.Equal(prev.modTime) || cur.size != prev.size:
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
	}
	return events
}
