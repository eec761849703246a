package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchLoop forwards answer-file events to the queue. Create, write and
// remove events all go through the same idempotent handler.
func (d *Daemon) watchLoop(ctx context.Context) error {
	answer := filepath.Base(d.store.AnswerPath())
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != answer {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				d.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				d.debounce.trigger()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

// debouncer collapses bursts of events into one call of fn after delay.
// A zero delay calls fn synchronously.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (b *debouncer) trigger() {
	if b.delay <= 0 {
		b.fn()
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.fn)
}

func (b *debouncer) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
}
