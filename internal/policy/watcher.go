package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/folio-labs/chat-edge/pkg/logger"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads a policy file into a Holder whenever it changes on disk.
// A file that fails to parse is logged and the previous policy stays live.
type Watcher struct {
	path     string
	holder   *Holder
	log      *logger.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for path publishing into holder.
func NewWatcher(path string, holder *Holder, log *logger.Logger) *Watcher {
	return &Watcher{
		path:     path,
		holder:   holder,
		log:      logger.OrNop(log).Named("policy"),
		debounce: defaultDebounce,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so that
// editors replacing the file through a rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: create watcher: %w", err)
	}
	defer fw.Close()

	target, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("policy: resolve %s: %w", w.path, err)
	}
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("policy: watch %s: %w", filepath.Dir(target), err)
	}

	w.log.Info("policy watcher started", zap.String("path", target))
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		w.log.Error("policy reload failed, keeping previous policy", zap.Error(err))
		return
	}
	w.holder.Set(p)
	w.log.Info("policy reloaded",
		zap.Int("chat_tiers", len(p.ChatTiers)),
		zap.Int("allowed_origins", len(p.AllowedOrigins)),
	)
}
