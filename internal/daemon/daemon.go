// Package daemon runs courier's long-lived process: it owns the queue, timer
// and reminder components, watches the answer file, drives the periodic ticks
// and serves the control socket.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/expand"
	"github.com/msageha/courier/internal/forward"
	"github.com/msageha/courier/internal/lock"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/notify"
	"github.com/msageha/courier/internal/queue"
	"github.com/msageha/courier/internal/reminder"
	"github.com/msageha/courier/internal/store"
	"github.com/msageha/courier/internal/timer"
	"github.com/msageha/courier/internal/uds"
	courieryaml "github.com/msageha/courier/internal/yaml"
)

const journalFile = "journal.jsonl"

// Daemon is the courier daemon process.
type Daemon struct {
	courierDir string
	config     model.Config
	logger     *logging.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	bus      *events.Bus
	journal  *events.Journal

	store     *store.Store
	forwarder forward.Forwarder
	queue     *queue.Queue
	timers    *timer.Engine
	reminders *reminder.System
	notifier  reminder.Notifier

	unsubscribe []func()
	debounce    *debouncer

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	started  bool
	shutdown sync.Once
	done     chan struct{}
}

// New opens <courierDir>/logs/daemon.log and prepares a daemon.
func New(courierDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(courierDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(courierDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(courierDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, logging.ParseLogLevel(cfg.Logging.Level), "daemon")

	server := uds.NewServer(filepath.Join(courierDir, uds.DefaultSocketName))
	server.SetLogger(logger)

	return &Daemon{
		courierDir: courierDir,
		config:     cfg,
		logger:     logger,
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(courierDir, "locks", "daemon.lock")),
		server:     server,
		bus:        events.NewBus(256),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

// SetForwarder replaces the forwarder built from configuration.
// Must be called before Start.
func (d *Daemon) SetForwarder(f forward.Forwarder) {
	d.forwarder = f
}

// SetNotifier replaces the desktop notifier. Must be called before Start.
func (d *Daemon) SetNotifier(n reminder.Notifier) {
	d.notifier = n
}

// Run starts the daemon and blocks until a signal or a shutdown request.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start acquires the daemon lock, loads state, and starts the watcher, the
// periodic ticks and the control socket.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d", os.Getpid())

	if err := d.build(); err != nil {
		d.cleanup()
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(d.store.AnswerDir()); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.store.AnswerDir(), err)
	}
	d.debounce = newDebouncer(time.Duration(d.config.Watcher.DebounceMs)*time.Millisecond, d.handleAnswer)

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", filepath.Join(d.courierDir, uds.DefaultSocketName))

	g, ctx := errgroup.WithContext(d.ctx)
	d.group = g
	g.Go(func() error { return d.watchLoop(ctx) })
	g.Go(func() error {
		return d.tickLoop(ctx, "timer", time.Duration(d.config.Timer.TickIntervalSec)*time.Second, func() { d.timers.Tick() })
	})
	g.Go(func() error {
		return d.tickLoop(ctx, "reminder", time.Duration(d.config.Reminder.TickIntervalSec)*time.Second, func() { d.reminders.Tick() })
	})
	g.Go(func() error {
		return d.tickLoop(ctx, "timeout", time.Duration(d.config.Queue.TimeoutCheckIntervalSec)*time.Second, func() { d.queue.CheckTimeouts() })
	})
	d.started = true

	// An answer may have landed while the daemon was down.
	d.handleAnswer()
	d.logger.Infof("daemon ready workspace=%s", d.store.Dir())
	return nil
}

// build constructs the store, forwarder, event journal and the three components.
func (d *Daemon) build() error {
	courieryaml.SetLogger(d.logger.With("yaml"))
	st, err := store.Open(d.courierDir, d.config, d.logger.With("store"))
	if err != nil {
		return err
	}
	d.store = st

	journal, err := events.NewJournal(filepath.Join(d.courierDir, "logs", journalFile), 0)
	if err != nil {
		return err
	}
	d.journal = journal
	d.unsubscribe = append(d.unsubscribe, journal.Attach(d.bus))

	if d.forwarder == nil {
		fwd, err := forward.New(d.config.Forward, d.logger)
		if err != nil {
			return err
		}
		d.forwarder = fwd
	}

	exp := expand.New(d.config.Template, st.AnswerPath())
	d.queue = queue.New(queue.OptionsFromConfig(d.config, st.AnswerPath()), d.forwarder, exp, st, d.bus, d.logger.With("queue"))
	if err := d.queue.Load(); err != nil {
		return err
	}

	d.timers = timer.New(d.queue, exp, st, d.bus, d.logger.With("timer"))
	if err := d.timers.Load(); err != nil {
		return err
	}

	d.reminders = reminder.New(reminder.OptionsFromConfig(d.config), d.queue, st, d.logger.With("reminder"))
	if err := d.reminders.Load(); err != nil {
		return err
	}
	d.unsubscribe = append(d.unsubscribe, d.reminders.Attach(d.bus))

	if d.notifier == nil && (d.config.Notify.OnReminder || d.config.Notify.OnError) {
		d.notifier = notify.NewDesktop()
	}
	if d.notifier != nil && d.config.Notify.OnReminder {
		d.reminders.SetNotifier(d.notifier)
	}
	if d.notifier != nil && d.config.Notify.OnError {
		d.unsubscribe = append(d.unsubscribe, d.bus.Subscribe(events.EventDispatchFailed, d.notifyFailure))
	}
	return nil
}

func (d *Daemon) notifyFailure(e events.Event) {
	msg := fmt.Sprintf("prompt %v could not be delivered: %v", e.Data["prompt_id"], e.Data["error"])
	if err := d.notifier.Notify("courier", msg); err != nil {
		d.logger.Warnf("notify failed: %v", err)
	}
}

// handleAnswer consumes the answer file if it holds a signal.
func (d *Daemon) handleAnswer() {
	if d.queue.HandleAnswerFile() {
		d.logger.Debugf("answer consumed path=%s", d.store.AnswerPath())
	}
}

// tickLoop runs fn every interval until ctx is done.
func (d *Daemon) tickLoop(ctx context.Context, name string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.safeTick(name, fn)
		}
	}
}

func (d *Daemon) safeTick(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("%s tick panic: %v", name, r)
		}
	}()
	fn()
}

// waitSignals blocks until SIGTERM/SIGINT or a shutdown request.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			if _, ok := <-sigCh; ok {
				d.logger.Warnf("received second signal, forcing exit")
				os.Exit(1)
			}
		}()
		d.Shutdown()
	case <-d.done:
	}
}

// Done is closed once shutdown has finished.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// Shutdown stops the daemon. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")

		d.cancel()
		if d.debounce != nil {
			d.debounce.stop()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if d.started {
			_ = d.server.Stop()
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		drained := make(chan struct{})
		go func() {
			if d.group != nil {
				_ = d.group.Wait()
			}
			close(drained)
		}()
		select {
		case <-drained:
			d.logger.Infof("all loops drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		if d.queue != nil {
			d.queue.Close()
		}
		d.cleanup()
		d.logger.Infof("daemon stopped")
		close(d.done)
	})
}

// cleanup releases resources acquired by Start.
func (d *Daemon) cleanup() {
	for _, unsub := range d.unsubscribe {
		unsub()
	}
	d.unsubscribe = nil
	d.bus.Close()
	if d.journal != nil {
		_ = d.journal.Close()
	}
	if d.forwarder != nil {
		if err := d.forwarder.Close(); err != nil {
			d.logger.Warnf("close forwarder: %v", err)
		}
	}
	_ = os.Remove(filepath.Join(d.courierDir, uds.DefaultSocketName))
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
