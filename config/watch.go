package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 监听配置文件变化，重新加载并校验后回调。
// 校验失败的配置只记录日志，不会下发。
type Watcher struct {
	Path     string
	Cooldown time.Duration // 两次重载的最小间隔，编辑器保存常触发多次写事件
	Logger   *zap.Logger
}

// Start blocks until ctx is done; callback receives the latest valid config on change.
func (w Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	log := w.Logger
	if log == nil {
		log = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	// 监听目录而不是文件本身：原子替换（rename）会让文件级 watch 失效
	target := filepath.Clean(w.Path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// 只处理写入和创建事件
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if w.Cooldown > 0 && time.Since(lastReload) < w.Cooldown {
				continue
			}
			cfg, err := LoadWithEnvOverrides(w.Path)
			if err != nil {
				log.Warn("config reload rejected", zap.String("path", w.Path), zap.Error(err))
				continue
			}
			lastReload = time.Now()
			log.Info("config reloaded", zap.String("path", w.Path))
			if onUpdate != nil {
				onUpdate(cfg)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			// 记录错误但继续监听
			log.Warn("config watcher error", zap.Error(err))
		}
	}
}
