// Package watcher implements the Task Watcher: a long-lived process that
// scans a task-root directory for pending task descriptors, spawns bounded
// worker subprocesses, and streams their recognized event lines to any
// subscribed broadcast channel and to each task's own event log.
package watcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/reinflow/rein/internal/corelib/natsctx"
	"github.com/reinflow/rein/internal/taskdir"
)

var eventLine = regexp.MustCompile(`^\[(BLOCK_START|BLOCK_DONE|TASK_DONE)\]`)

// Event is one recognized line emitted by a worker subprocess.
type Event struct {
	TaskID string
	Line   string
}

// Options configures a Watcher.
type Options struct {
	TaskRoot     string
	BinaryPath   string // the rein executable to spawn per task, re-entrant as a worker
	MaxWorkflows int
	ScanInterval string // cron expression; defaults to every 2 seconds if empty
	NATSConn     *nats.Conn // optional; nil disables fan-out
}

// Watcher scans TaskRoot for pending descriptors and drives worker
// subprocesses within a bounded concurrency window.
type Watcher struct {
	opts Options

	cron *cron.Cron

	mu      sync.Mutex
	active  map[string]*exec.Cmd
	subs    map[chan Event]struct{}

	spawned  metric.Int64Counter
	finished metric.Int64Counter
	activeGauge metric.Int64Gauge
}

// New builds a Watcher from opts, defaulting ScanInterval and MaxWorkflows.
func New(opts Options) *Watcher {
	if opts.MaxWorkflows <= 0 {
		opts.MaxWorkflows = 4
	}
	if opts.ScanInterval == "" {
		opts.ScanInterval = "@every 2s"
	}
	meter := otel.Meter("rein")
	spawned, _ := meter.Int64Counter("rein_watcher_spawned_total")
	finished, _ := meter.Int64Counter("rein_watcher_finished_total")
	activeG, _ := meter.Int64Gauge("rein_watcher_active_workers")

	return &Watcher{
		opts:     opts,
		cron:     cron.New(),
		active:   make(map[string]*exec.Cmd),
		subs:     make(map[chan Event]struct{}),
		spawned:  spawned,
		finished: finished,
		activeGauge: activeG,
	}
}

// Subscribe registers a channel to receive every recognized event line
// across all tasks. Callers must drain it; Unsubscribe removes it.
func (w *Watcher) Subscribe() chan Event {
	ch := make(chan Event, 64)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (w *Watcher) Unsubscribe(ch chan Event) {
	w.mu.Lock()
	delete(w.subs, ch)
	w.mu.Unlock()
	close(ch)
}

func (w *Watcher) broadcast(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("watcher: subscriber channel full, dropping event", "task", ev.TaskID)
		}
	}
}

// Run starts the cron-driven scan loop and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	entryFn := func() { w.scanOnce(ctx) }
	if _, err := w.cron.AddFunc(w.opts.ScanInterval, entryFn); err != nil {
		return fmt.Errorf("watcher: invalid scan interval %q: %w", w.opts.ScanInterval, err)
	}
	w.cron.Start()
	defer w.cron.Stop()

	<-ctx.Done()
	w.waitActive()
	return nil
}

func (w *Watcher) waitActive() {
	w.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(w.active))
	for _, c := range w.active {
		cmds = append(cmds, c)
	}
	w.mu.Unlock()
	for _, c := range cmds {
		_ = c.Wait()
	}
}

// scanOnce performs one directory sweep, spawning up to the remaining
// capacity of MaxWorkflows.
func (w *Watcher) scanOnce(ctx context.Context) {
	w.mu.Lock()
	capacity := w.opts.MaxWorkflows - len(w.active)
	w.mu.Unlock()
	if capacity <= 0 {
		return
	}

	entries, err := os.ReadDir(w.opts.TaskRoot)
	if err != nil {
		slog.Warn("watcher: scan failed", "error", err)
		return
	}

	for _, entry := range entries {
		if capacity <= 0 {
			break
		}
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()
		dir := taskdir.New(filepath.Join(w.opts.TaskRoot, taskID))
		if _, err := os.Stat(dir.DescriptorPath()); err != nil {
			continue
		}

		w.mu.Lock()
		_, alreadyRunning := w.active[taskID]
		w.mu.Unlock()
		if alreadyRunning {
			continue
		}

		status, _ := dir.ReadStatus()
		_, dbErr := os.Stat(dir.DBPath())
		fresh := os.IsNotExist(dbErr)
		if !fresh && status != taskdir.StatusPending {
			continue
		}

		if err := w.spawn(ctx, taskID, dir); err != nil {
			slog.Error("watcher: spawn failed", "task", taskID, "error", err)
			continue
		}
		capacity--
	}
}

// spawn deletes the pending marker, launches a worker subprocess for
// taskID, and starts streaming its output in the background.
func (w *Watcher) spawn(ctx context.Context, taskID string, dir taskdir.Dir) error {
	desc, err := dir.ReadDescriptor()
	if err != nil {
		return err
	}

	_ = dir.WriteStatus(taskdir.StatusRunning)

	cmd := exec.Command(w.opts.BinaryPath, "--task", dir.Root, "--flow", desc.Flow)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return err
	}

	w.mu.Lock()
	w.active[taskID] = cmd
	w.mu.Unlock()
	w.spawned.Add(ctx, 1)
	w.activeGauge.Record(ctx, int64(len(w.active)))

	go w.streamOutput(ctx, taskID, dir, stdout)
	go w.awaitExit(ctx, taskID, cmd)

	return nil
}

// streamOutput reads a worker's stdout line by line, forwarding every
// recognized event marker to subscribers and the task's own event log.
func (w *Watcher) streamOutput(ctx context.Context, taskID string, dir taskdir.Dir, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !eventLine.MatchString(line) {
			continue
		}
		_ = dir.AppendLog(line)
		ev := Event{TaskID: taskID, Line: line}
		w.broadcast(ev)
		if w.opts.NATSConn != nil {
			payload := []byte(line)
			if err := natsctx.Publish(ctx, w.opts.NATSConn, "rein.events."+taskID, payload); err != nil {
				slog.Warn("watcher: nats publish failed", "task", taskID, "error", err)
			}
		}
	}
}

func (w *Watcher) awaitExit(ctx context.Context, taskID string, cmd *exec.Cmd) {
	err := cmd.Wait()

	w.mu.Lock()
	delete(w.active, taskID)
	w.mu.Unlock()
	w.finished.Add(ctx, 1)
	w.activeGauge.Record(ctx, int64(len(w.active)))

	if err != nil {
		slog.Warn("watcher: worker exited with error", "task", taskID, "error", err)
	} else {
		slog.Info("watcher: worker finished", "task", taskID)
	}
}
