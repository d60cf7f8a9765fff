// Package command implements the Command Channel: a single serialized
// reader that accepts line-delimited commands from standard input and a
// per-task local socket, and applies them as atomic state changes to one
// task's State Store.
package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/reinflow/rein/internal/store"
	"github.com/reinflow/rein/internal/taskdir"
)

// Handler is the subset of engine behavior the Command Channel drives. An
// engine implements this to receive pause/resume/cancel requests without
// the command package depending on the engine package directly.
type Handler interface {
	CancelBlock(name string) error
	SetWorkflowPaused(paused bool)
}

// Channel serializes command processing for one task: every command — from
// stdin or the socket — funnels through a single reader goroutine so state
// transitions are never interleaved.
type Channel struct {
	st      *store.Store
	dir     taskdir.Dir
	handler Handler

	mu           sync.Mutex
	workflowPaused bool

	socketPath string
	listener   net.Listener

	processed metric.Int64Counter
}

// New builds a Channel bound to one task's store and directory.
func New(taskID string, st *store.Store, dir taskdir.Dir, handler Handler) *Channel {
	processed, _ := otel.Meter("rein").Int64Counter("rein_command_processed_total")
	return &Channel{
		st:         st,
		dir:        dir,
		handler:    handler,
		socketPath: filepath.Join(os.TempDir(), fmt.Sprintf("rein-%s.sock", taskID)),
		processed:  processed,
	}
}

// SocketPath returns the per-task local endpoint path this Channel listens on.
func (c *Channel) SocketPath() string { return c.socketPath }

// Serve starts the stdin reader and the unix socket listener, and blocks
// until ctx is cancelled. Both sources feed the same serialized dispatch
// path, so commands from either never interleave.
func (c *Channel) Serve(ctx context.Context, stdin io.Reader) error {
	_ = os.Remove(c.socketPath)
	ln, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("command: listen on %s: %w", c.socketPath, err)
	}
	c.listener = ln
	defer func() {
		ln.Close()
		_ = os.Remove(c.socketPath)
	}()

	lines := make(chan string, 64)

	go func() {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	go c.acceptLoop(ctx, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			c.dispatch(line)
		}
	}
}

func (c *Channel) acceptLoop(ctx context.Context, lines chan<- string) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("command: accept failed", "error", err)
			return
		}
		go c.readConn(ctx, conn, lines)
	}
}

func (c *Channel) readConn(ctx context.Context, conn net.Conn, lines chan<- string) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// dispatch parses and applies one command line, logging the outcome to the
// task event log.
func (c *Channel) dispatch(line string) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return
	}
	verb := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var result string
	switch verb {
	case "pause":
		result = c.pauseBlock(arg)
	case "resume":
		result = c.resumeBlock(arg)
	case "cancel":
		result = c.cancelBlock(arg)
	case "pause-workflow":
		result = c.pauseWorkflow()
	case "resume-workflow":
		result = c.resumeWorkflow()
	case "status":
		result = c.statusSummary()
	case "list":
		result = c.list()
	case "log":
		result = c.tailLog(arg)
	default:
		result = fmt.Sprintf("unknown command %q", verb)
	}

	c.processed.Add(context.Background(), 1)
	_ = c.dir.AppendLog(fmt.Sprintf("[COMMAND] %s -> %s", line, result))
}

func (c *Channel) pauseBlock(name string) string {
	rec, ok := c.st.Get(name)
	if !ok {
		return fmt.Sprintf("no such block %q", name)
	}
	if rec.Status.IsTerminal() || rec.Status == store.StatusPaused {
		return fmt.Sprintf("cannot pause %q: status is %s", name, rec.Status)
	}
	rec.PrevStatus = rec.Status
	rec.Status = store.StatusPaused
	rec.UpdatedAt = time.Now()
	if err := c.st.Upsert(rec); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("paused %q", name)
}

func (c *Channel) resumeBlock(name string) string {
	rec, ok := c.st.Get(name)
	if !ok {
		return fmt.Sprintf("no such block %q", name)
	}
	if rec.Status != store.StatusPaused {
		return fmt.Sprintf("cannot resume %q: not paused", name)
	}
	rec.Status = rec.PrevStatus
	if rec.Status == "" {
		rec.Status = store.StatusWaiting
	}
	rec.PrevStatus = ""
	rec.UpdatedAt = time.Now()
	if err := c.st.Upsert(rec); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("resumed %q", name)
}

func (c *Channel) cancelBlock(name string) string {
	rec, ok := c.st.Get(name)
	if !ok {
		return fmt.Sprintf("no such block %q", name)
	}
	if rec.Status.IsTerminal() {
		return fmt.Sprintf("cannot cancel %q: already %s", name, rec.Status)
	}
	if c.handler != nil {
		_ = c.handler.CancelBlock(name)
	}
	rec.Status = store.StatusCancelled
	rec.UpdatedAt = time.Now()
	if err := c.st.Upsert(rec); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("cancelled %q", name)
}

func (c *Channel) pauseWorkflow() string {
	c.mu.Lock()
	already := c.workflowPaused
	c.workflowPaused = true
	c.mu.Unlock()
	if already {
		return "workflow already paused"
	}
	if c.handler != nil {
		c.handler.SetWorkflowPaused(true)
	}
	return "workflow paused"
}

func (c *Channel) resumeWorkflow() string {
	c.mu.Lock()
	already := !c.workflowPaused
	c.workflowPaused = false
	c.mu.Unlock()
	if already {
		return "workflow not paused"
	}
	if c.handler != nil {
		c.handler.SetWorkflowPaused(false)
	}
	return "workflow resumed"
}

func (c *Channel) statusSummary() string {
	stats := c.st.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "total=%d", stats.TotalRecords)
	for status, n := range stats.ByStatus {
		fmt.Fprintf(&b, " %s=%d", status, n)
	}
	return b.String()
}

func (c *Channel) list() string {
	var b strings.Builder
	for _, rec := range c.st.All() {
		fmt.Fprintf(&b, "%s\tphase=%d\tstatus=%s\tprogress=%d\n", rec.Name, rec.Phase, rec.Status, rec.Progress)
	}
	return b.String()
}

func (c *Channel) tailLog(name string) string {
	raw, err := os.ReadFile(c.dir.LogPath())
	if err != nil {
		return err.Error()
	}
	var matched []string
	for _, line := range strings.Split(string(raw), "\n") {
		if name == "" || strings.Contains(line, name) {
			matched = append(matched, line)
		}
	}
	return strings.Join(matched, "\n")
}
