package coremain

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmkol/swcache/pkg/pool"
)

const configReloadDelay = time.Second

// watchConfig reloads the workers whenever one of the config files
// changes. Events are debounced since editors write in several steps.
func (m *Swcache) watchConfig() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Error("failed to create config watcher", zap.Error(err))
		return
	}
	add := func() {
		for _, f := range m.cfgFiles {
			_ = watcher.Remove(f)
			if err := watcher.Add(f); err != nil {
				m.logger.Warn("failed to watch config file", zap.String("file", f), zap.Error(err))
			}
		}
	}
	add()

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		defer watcher.Close()

		timer := pool.NewStoppedTimer()
		defer pool.StopTimer(timer)

		needReWatch := false
		for {
			select {
			case <-closeSignal:
				return
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
					continue
				}
				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					needReWatch = true
				}
				pool.ResetTimer(timer, configReloadDelay)
			case <-timer.C:
				if needReWatch {
					needReWatch = false
					add()
				}
				m.logger.Info("config changed, reloading workers")
				if err := m.reload(m.sc.Context()); err != nil {
					m.logger.Error("failed to reload workers", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Error("config watcher error", zap.Error(err))
			}
		}
	})
}
