package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/reinflow/rein/internal/command"
	"github.com/reinflow/rein/internal/corelib/logging"
	"github.com/reinflow/rein/internal/corelib/otelinit"
	"github.com/reinflow/rein/internal/engine"
	"github.com/reinflow/rein/internal/flowdoc"
	"github.com/reinflow/rein/internal/provider"
	"github.com/reinflow/rein/internal/store"
	"github.com/reinflow/rein/internal/taskdir"
	"github.com/reinflow/rein/internal/toolsurface"
	"github.com/reinflow/rein/internal/watcher"
)

// dispatch routes to daemon mode, a status query, or a single task run.
func dispatch(ctx context.Context, flowPath string, flags *cliFlags) error {
	component := "rein"
	logging.Init(component)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, component)
	defer shutdownTrace(ctx)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, component)
	defer shutdownMetrics(ctx)

	switch {
	case flags.status != "":
		return runStatus(flags.status)
	case flags.daemon:
		return runDaemon(ctx, flags, promHandler)
	default:
		return runTask(ctx, flowPath, flags)
	}
}

func runStatus(taskID string) error {
	dir := taskdir.New(filepath.Join(taskRoot(), taskID))
	desc, err := dir.ReadDescriptor()
	if err != nil {
		return fmt.Errorf("rein: task %q not found: %w", taskID, err)
	}
	status, _ := dir.ReadStatus()
	st, err := store.Open(dir.DBPath())
	if err != nil {
		fmt.Printf("task=%s flow=%s status=%s (store unavailable: %v)\n", desc.ID, desc.Flow, status, err)
		return nil
	}
	defer st.Close()

	fmt.Printf("task=%s flow=%s status=%s\n", desc.ID, desc.Flow, status)
	for _, rec := range st.All() {
		fmt.Printf("  %-24s phase=%-3d status=%-10s progress=%d\n", rec.Name, rec.Phase, rec.Status, rec.Progress)
	}
	return nil
}

func runDaemon(ctx context.Context, flags *cliFlags, promHandler any) error {
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("rein: resolve own executable: %w", err)
	}

	var nc *nats.Conn
	if url := os.Getenv("REIN_NATS_URL"); url != "" {
		conn, err := nats.Connect(url)
		if err != nil {
			slog.Warn("rein: nats connect failed; event fan-out disabled", "url", url, "error", err)
		} else {
			nc = conn
			defer nc.Close()
		}
	}

	w := watcher.New(watcher.Options{
		TaskRoot:     taskRoot(),
		BinaryPath:   binary,
		MaxWorkflows: flags.maxWorkflows,
		ScanInterval: flags.daemonInterval,
		NATSConn:     nc,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	if h, ok := promHandler.(http.Handler); ok {
		mux.Handle("/metrics", h)
	}

	surface := toolsurface.New(taskRoot())
	mux.Handle("/v1/tasks", surface)
	mux.Handle("/v1/tasks/", surface)

	if flags.wsPort > 0 {
		mux.HandleFunc("/ws", wsHandler(w))
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", httpPort(flags)), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, "rein: http server error:", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return w.Run(ctx)
}

func httpPort(flags *cliFlags) int {
	if flags.wsPort > 0 {
		return flags.wsPort
	}
	return 8080
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsHandler streams every recognized watcher event to a connected client.
func wsHandler(w *watcher.Watcher) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ch := w.Subscribe()
		defer w.Unsubscribe(ch)

		for ev := range ch {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// runTask executes (or resumes) exactly one task and blocks until it
// reaches a terminal state.
func runTask(ctx context.Context, flowPath string, flags *cliFlags) error {
	dir, desc, err := resolveTaskDir(flowPath, flags)
	if err != nil {
		return err
	}

	docPath := desc.Flow
	if !filepath.IsAbs(docPath) {
		docPath = filepath.Join(agentsDir(flags.agentsDir), "flows", docPath)
	}
	doc, err := flowdoc.Load(docPath)
	if err != nil {
		return fmt.Errorf("rein: load flow document: %w", err)
	}

	st, err := store.Open(dir.DBPath())
	if err != nil {
		return fmt.Errorf("rein: open state store: %w", err)
	}
	defer st.Close()

	if raw, readErr := os.ReadFile(docPath); readErr == nil {
		versionKey := fmt.Sprintf("%s@%s", desc.ID, time.Now().UTC().Format(time.RFC3339Nano))
		if putErr := st.PutVersion(versionKey, raw); putErr != nil {
			slog.Warn("rein: failed to archive flow document version", "task", desc.ID, "error", putErr)
		}
	} else {
		slog.Warn("rein: failed to read flow document for version archive", "path", docPath, "error", readErr)
	}

	providers := provider.Default()

	workflowDir := filepath.Dir(filepath.Dir(docPath)) // agents-dir, containing specialists/
	eng := engine.New(doc, dir, st, providers, engine.Options{
		TaskID:       desc.ID,
		TaskInput:    desc.Input,
		TeamTone:     doc.Team,
		WorkflowDir:  workflowDir,
		ProviderName: doc.Provider,
		Timeout:      time.Duration(doc.Timeout) * time.Second,
	})

	ch := command.New(desc.ID, st, dir, eng)
	if flags.pause {
		eng.SetWorkflowPaused(true)
	}
	go func() { _ = ch.Serve(ctx, os.Stdin) }()

	summary, err := eng.Run(ctx)
	if err != nil {
		return fmt.Errorf("rein: run failed: %w", err)
	}
	if summary.Failed > 0 {
		os.Exit(1)
	}
	return nil
}

// resolveTaskDir builds the Task Descriptor for a fresh run, or loads one
// from an existing directory when --task/--resume is given.
func resolveTaskDir(flowPath string, flags *cliFlags) (taskdir.Dir, *taskdir.Descriptor, error) {
	if flags.task != "" {
		dir := taskdir.New(flags.task)
		desc, err := dir.ReadDescriptor()
		return dir, desc, err
	}
	if flags.resume != "" {
		dir := taskdir.New(filepath.Join(taskRoot(), flags.resume))
		desc, err := dir.ReadDescriptor()
		return dir, desc, err
	}

	flow := flowPath
	if flow == "" {
		flow = flags.flow
	}
	if flow == "" {
		return taskdir.Dir{}, nil, fmt.Errorf("rein: one of <flow-document-path>, --flow, or --task is required")
	}

	input, err := resolveInput(flags)
	if err != nil {
		return taskdir.Dir{}, nil, err
	}

	id := uuid.NewString()
	dir := taskdir.New(filepath.Join(taskRoot(), id))
	if err := dir.Init(); err != nil {
		return taskdir.Dir{}, nil, err
	}
	desc := &taskdir.Descriptor{ID: id, Flow: flow, Input: input, CreatedAt: time.Now()}
	if err := dir.WriteDescriptor(desc); err != nil {
		return taskdir.Dir{}, nil, err
	}
	return dir, desc, nil
}

func resolveInput(flags *cliFlags) (map[string]any, error) {
	input := map[string]any{}
	if flags.input != "" {
		if err := json.Unmarshal([]byte(flags.input), &input); err != nil {
			return nil, fmt.Errorf("rein: --input is not valid JSON: %w", err)
		}
	}
	if flags.question != "" {
		raw, err := os.ReadFile(flags.question)
		if err != nil {
			return nil, fmt.Errorf("rein: read --question file: %w", err)
		}
		input["task"] = string(raw)
		input["topic"] = string(raw)
	}
	return input, nil
}
