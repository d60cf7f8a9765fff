// Package engine implements the Scheduler/Orchestrator: it drives a Flow
// Document's block DAG to completion under a concurrency bound, persisting
// progress to the State Store, honoring pause/cancel/timeout, evaluating
// next transitions, and finalizing the run with a machine-readable summary.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/reinflow/rein/internal/condition"
	"github.com/reinflow/rein/internal/flowdoc"
	"github.com/reinflow/rein/internal/logicrun"
	"github.com/reinflow/rein/internal/prompt"
	"github.com/reinflow/rein/internal/provider"
	"github.com/reinflow/rein/internal/rerr"
	"github.com/reinflow/rein/internal/store"
	"github.com/reinflow/rein/internal/taskdir"
)

const tickInterval = 500 * time.Millisecond

// Options configures one Engine run.
type Options struct {
	TaskID       string
	TaskInput    map[string]any
	TeamTone     string
	WorkflowDir  string // contains specialists/, logic scripts
	ProviderName string
	Timeout      time.Duration // 0 = no wall-clock bound
}

// Engine drives one task's Flow Document to completion. It is an
// actor-style coordinator: it alone mutates scheduling state (pending set,
// next-queue, run counts); block workers communicate back only through the
// results channel, and touch no shared map other than removing their own
// entry from cancelFns on exit.
type Engine struct {
	doc       *flowdoc.Document
	dir       taskdir.Dir
	st        *store.Store
	providers *provider.Registry
	opts      Options

	sem *semaphore.Weighted

	mu         sync.Mutex
	completed  map[string]bool // terminal (for scheduling purposes)
	runCounts  map[string]int
	pending    map[string]bool
	nextQueue  []string
	cancelFns  map[string]context.CancelFunc
	stopReason string

	stopWorkflow   atomic.Bool
	workflowPaused atomic.Bool

	results chan blockResult

	tracer         trace.Tracer
	blockDuration  metric.Float64Histogram
	blockRetries   metric.Int64Counter
	blockFailures  metric.Int64Counter
	parallelismG   metric.Int64Gauge

	runningCount atomic.Int64
	startTime    time.Time
}

type blockResult struct {
	name   string
	status store.Status
	err    error
}

// New constructs an Engine for doc, bound to the State Store st and task
// directory dir.
func New(doc *flowdoc.Document, dir taskdir.Dir, st *store.Store, providers *provider.Registry, opts Options) *Engine {
	meter := otel.Meter("rein")
	blockDuration, _ := meter.Float64Histogram("rein_block_duration_ms")
	blockRetries, _ := meter.Int64Counter("rein_block_retries_total")
	blockFailures, _ := meter.Int64Counter("rein_block_failures_total")
	parallelismG, _ := meter.Int64Gauge("rein_parallelism")

	maxParallel := doc.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}

	return &Engine{
		doc:           doc,
		dir:           dir,
		st:            st,
		providers:     providers,
		opts:          opts,
		sem:           semaphore.NewWeighted(int64(maxParallel)),
		completed:     make(map[string]bool),
		runCounts:     make(map[string]int),
		pending:       make(map[string]bool),
		cancelFns:     make(map[string]context.CancelFunc),
		results:       make(chan blockResult, 16),
		tracer:        otel.Tracer("rein"),
		blockDuration: blockDuration,
		blockRetries:  blockRetries,
		blockFailures: blockFailures,
		parallelismG:  parallelismG,
	}
}

// Summary is the final machine-readable report written to summary.json.
type Summary struct {
	RunID      string           `json:"run_id"`
	Status     string           `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	Completed  int              `json:"completed"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	StopReason string           `json:"stop_reason,omitempty"`
	PerBlock   map[string]string `json:"per_block"`
}

// Metadata is the run-level metadata.json.
type Metadata struct {
	RunID       string    `json:"run_id"`
	WorkflowName string   `json:"workflow_name"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	MaxParallel int       `json:"max_parallel"`
}

// Run drives the DAG to completion. It blocks until the task reaches a
// terminal state or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run")
	defer span.End()

	e.startTime = time.Now()
	if err := e.initialize(); err != nil {
		return nil, err
	}

	workerPool := pool.New().WithContext(ctx)
	defer workerPool.Wait()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.stopWorkflow.Store(true)
			e.setStopReason("context cancelled")
		case res := <-e.results:
			e.handleCompletion(ctx, res)
		case <-ticker.C:
			e.tick(ctx, workerPool)
		}

		if e.isDone() {
			break
		}
	}

	return e.finalize(ctx)
}

// CancelBlock sends a termination signal to a running block's worker, if
// any is in flight. Satisfies command.Handler.
func (e *Engine) CancelBlock(name string) error {
	e.mu.Lock()
	cancel, ok := e.cancelFns[name]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// SetWorkflowPaused toggles the workflow-wide spawn gate. Satisfies
// command.Handler.
func (e *Engine) SetWorkflowPaused(paused bool) {
	e.workflowPaused.Store(paused)
}

func (e *Engine) setStopReason(reason string) {
	e.mu.Lock()
	if e.stopReason == "" {
		e.stopReason = reason
	}
	e.mu.Unlock()
}

// initialize computes phases (already done by flowdoc.Load), reconciles
// persisted state per the crash-recovery invalidation rule, and persists
// the resulting waiting records.
func (e *Engine) initialize() error {
	existing := make(map[string]*store.Record)
	for _, r := range e.st.All() {
		existing[r.Name] = r
	}

	invalidated := make(map[string]bool)
	var markInvalid func(name string)
	markInvalid = func(name string) {
		if invalidated[name] {
			return
		}
		invalidated[name] = true
		for _, b := range e.doc.Blocks {
			for _, dep := range b.DependsOn {
				if dep == name {
					markInvalid(b.Name)
				}
			}
		}
	}
	for _, r := range existing {
		if r.Status == store.StatusFailed || r.Status == store.StatusRunning {
			markInvalid(r.Name)
		}
	}

	reenteredOnly := e.reenteredOnlyBlocks()

	for _, b := range e.doc.Blocks {
		rec, ok := existing[b.Name]
		terminalPreserved := rec != nil && (rec.Status == store.StatusDone || rec.Status == store.StatusSkipped || rec.Status == store.StatusCancelled)
		if ok && !invalidated[b.Name] && terminalPreserved {
			e.completed[b.Name] = true
			e.runCounts[b.Name] = rec.RunCount
			continue
		}

		if ok {
			_ = e.dir.ClearBlockOutputs(b.Name)
		}
		// A block scheduled as part of the initial DAG run has that run
		// counted toward its max_runs; next-only targets start at zero.
		scheduled := len(b.DependsOn) > 0 || !reenteredOnly[b.Name]
		runCount := 0
		if scheduled {
			runCount = 1
		}
		rec = &store.Record{
			Name:      b.Name,
			Status:    store.StatusWaiting,
			Phase:     b.Phase,
			Progress:  0,
			UpdatedAt: time.Now(),
			DependsOn: b.DependsOn,
			RunCount:  runCount,
			MaxRuns:   b.EffectiveMaxRuns(),
		}
		if err := e.st.Upsert(rec); err != nil {
			return err
		}
		e.runCounts[b.Name] = runCount
		if scheduled {
			e.pending[b.Name] = true
		}
	}
	return nil
}

// reenteredOnlyBlocks returns the set of block names that are a next target
// of some other block and declare no depends_on of their own. Such blocks
// are state-machine nodes reachable only by a next transition: they must
// not also be spawned as ordinary DAG roots, or a conditional branch would
// run both arms instead of only the one next selects.
func (e *Engine) reenteredOnlyBlocks() map[string]bool {
	targets := make(map[string]bool)
	for _, b := range e.doc.Blocks {
		if b.Next == nil {
			continue
		}
		mark := func(target string) {
			if target != "" && target != b.Name {
				targets[target] = true
			}
		}
		mark(b.Next.Unconditional)
		for _, br := range b.Next.Branches {
			mark(br.Goto)
		}
	}
	return targets
}

func (e *Engine) isDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopWorkflow.Load() {
		return e.runningCount.Load() == 0
	}
	if len(e.pending) > 0 || len(e.nextQueue) > 0 {
		return false
	}
	return e.runningCount.Load() == 0
}

func (e *Engine) tick(ctx context.Context, workerPool *pool.ContextPool) {
	if e.opts.Timeout > 0 {
		elapsed := time.Since(e.startTime)
		if elapsed > e.opts.Timeout {
			e.stopWorkflow.Store(true)
			e.setStopReason("timeout")
		}
	}

	if e.stopWorkflow.Load() {
		e.terminateRunning()
		return
	}

	stopSpawning := false
	if e.opts.Timeout > 0 && time.Since(e.startTime) > (e.opts.Timeout*95)/100 {
		stopSpawning = true
	}

	if !e.workflowPaused.Load() && !stopSpawning {
		e.drainPending(ctx, workerPool)
		e.drainNextQueue(ctx, workerPool)
	}

	e.parallelismG.Record(ctx, e.runningCount.Load())
}

func (e *Engine) drainPending(ctx context.Context, workerPool *pool.ContextPool) {
	e.mu.Lock()
	var ready []string
	for name := range e.pending {
		if e.isReady(name) {
			ready = append(ready, name)
		}
	}
	e.mu.Unlock()

	for _, name := range ready {
		if !e.sem.TryAcquire(1) {
			continue
		}
		e.mu.Lock()
		delete(e.pending, name)
		e.mu.Unlock()
		e.spawn(ctx, workerPool, name)
	}
}

func (e *Engine) drainNextQueue(ctx context.Context, workerPool *pool.ContextPool) {
	for {
		e.mu.Lock()
		if len(e.nextQueue) == 0 {
			e.mu.Unlock()
			return
		}
		name := e.nextQueue[0]
		e.mu.Unlock()

		if !e.sem.TryAcquire(1) {
			return // preserve FIFO order: leave at front for a future tick
		}
		e.mu.Lock()
		e.nextQueue = e.nextQueue[1:]
		e.mu.Unlock()
		e.spawn(ctx, workerPool, name)
	}
}

// isReady reports whether every dependency of name has reached a terminal
// (scheduling-complete) state. Caller must hold e.mu.
func (e *Engine) isReady(name string) bool {
	b := e.doc.BlockByName(name)
	for _, dep := range b.DependsOn {
		if !e.completed[dep] {
			return false
		}
		if rec, ok := e.st.Get(dep); ok && rec.Status == store.StatusPaused && rec.BlockingPause {
			return false
		}
	}
	return true
}

// spawn dispatches name's block to a worker goroutine, first applying the
// skip_if_previous_failed failure policy.
func (e *Engine) spawn(ctx context.Context, workerPool *pool.ContextPool, name string) {
	b := e.doc.BlockByName(name)

	if e.shouldSkip(b) {
		e.markSkipped(b)
		e.sem.Release(1)
		return
	}

	blockCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFns[name] = cancel
	e.mu.Unlock()
	e.runningCount.Add(1)

	rec, _ := e.st.Get(name)
	if rec == nil {
		rec = &store.Record{Name: name, Phase: b.Phase, MaxRuns: b.EffectiveMaxRuns()}
	}
	rec.UID = uuid.NewString()
	rec.Status = store.StatusRunning
	rec.StartTime = time.Now()
	rec.UpdatedAt = time.Now()
	_ = e.st.Upsert(rec)
	_ = e.dir.AppendLog(fmt.Sprintf("[BLOCK_START] task=%s block=%s", e.opts.TaskID, name))

	workerPool.Go(func(ctx context.Context) error {
		defer func() {
			cancel()
			e.runningCount.Add(-1)
			e.sem.Release(1)
			e.mu.Lock()
			delete(e.cancelFns, name)
			e.mu.Unlock()
		}()
		status, err := store.StatusFailed, error(nil)
		func() {
			defer func() {
				if r := recover(); r != nil {
					status, err = store.StatusFailed, fmt.Errorf("block %s panicked: %v", name, r)
				}
			}()
			status, err = e.executeBlock(blockCtx, b)
		}()
		select {
		case e.results <- blockResult{name: name, status: status, err: err}:
		case <-ctx.Done():
		}
		return nil
	})
}

func (e *Engine) shouldSkip(b *flowdoc.Block) bool {
	if !b.SkipIfPreviousFailed {
		return false
	}
	for _, dep := range b.DependsOn {
		if rec, ok := e.st.Get(dep); ok && rec.Status == store.StatusFailed {
			return true
		}
	}
	return false
}

func (e *Engine) markSkipped(b *flowdoc.Block) {
	rec, _ := e.st.Get(b.Name)
	if rec == nil {
		rec = &store.Record{Name: b.Name, Phase: b.Phase, MaxRuns: b.EffectiveMaxRuns()}
	}
	rec.Status = store.StatusSkipped
	rec.Progress = 100
	rec.UpdatedAt = time.Now()
	_ = e.st.Upsert(rec)

	e.mu.Lock()
	e.completed[b.Name] = true
	e.mu.Unlock()
	slog.Info("block skipped by failure policy", "block", b.Name)
}

func (e *Engine) terminateRunning() {
	e.mu.Lock()
	fns := make([]context.CancelFunc, 0, len(e.cancelFns))
	for _, fn := range e.cancelFns {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// executeBlock runs the ordered pre/prompt-or-custom/post/validate steps
// for one block and returns its terminal status.
func (e *Engine) executeBlock(ctx context.Context, b *flowdoc.Block) (store.Status, error) {
	start := time.Now()
	defer func() {
		e.blockDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	if err := e.dir.EnsureBlockDirs(b.Name); err != nil {
		return store.StatusFailed, err
	}

	hookCtx := e.hookContext(b)
	timeout := time.Duration(b.Timeout) * time.Second

	if b.Logic != nil && b.Logic.Pre != "" {
		if _, err := logicrun.Run(ctx, e.opts.WorkflowDir, b.Logic.Pre, e.dir.Root, hookCtx, timeout); err != nil {
			return e.fail(b, err)
		}
		e.advance(b, 25)
	}

	kind, customScript := classifyCustom(b)
	switch kind {
	case flowdoc.CustomScript:
		e.advance(b, 50)
		if _, err := logicrun.Run(ctx, e.opts.WorkflowDir, customScript, e.dir.Root, hookCtx, timeout); err != nil {
			return e.fail(b, err)
		}
		e.advance(b, 75)
	case flowdoc.CustomSentinel:
		// pre hook already wrote result.json; nothing to do here.
		e.advance(b, 75)
	default:
		e.advance(b, 50)
		if err := e.callProvider(ctx, b); err != nil {
			return e.fail(b, err)
		}
		e.advance(b, 75)
	}

	if !e.dir.HasResult(b.Name) {
		return e.fail(b, rerr.Wrap(rerr.ResultMissing, fmt.Errorf("result.json missing for block %s", b.Name), b.Name))
	}

	if b.Logic != nil && b.Logic.Post != "" {
		if _, err := logicrun.Run(ctx, e.opts.WorkflowDir, b.Logic.Post, e.dir.Root, hookCtx, timeout); err != nil {
			return e.fail(b, err)
		}
	}
	if b.Logic != nil && b.Logic.Validate != "" {
		if _, err := logicrun.Run(ctx, e.opts.WorkflowDir, b.Logic.Validate, e.dir.Root, hookCtx, timeout); err != nil {
			return e.fail(b, err)
		}
	}

	e.advance(b, 100)
	return store.StatusDone, nil
}

func classifyCustom(b *flowdoc.Block) (flowdoc.CustomKind, string) {
	if b.Logic == nil {
		return flowdoc.CustomNone, ""
	}
	kind, script, err := b.Logic.ClassifyCustom()
	if err != nil {
		return flowdoc.CustomNone, ""
	}
	return kind, script
}

func (e *Engine) fail(b *flowdoc.Block, err error) (store.Status, error) {
	e.blockFailures.Add(context.Background(), 1)
	slog.Error("block failed", "block", b.Name, "error", err)
	return store.StatusFailed, err
}

func (e *Engine) callProvider(ctx context.Context, b *flowdoc.Block) error {
	promptCtx := prompt.Context{
		TeamTone:    e.opts.TeamTone,
		TaskInput:   e.opts.TaskInput,
		TaskDir:     e.dir.Root,
		WorkflowDir: e.opts.WorkflowDir,
	}
	finalPrompt, err := prompt.Assemble(b, promptCtx)
	if err != nil {
		return err
	}

	providerName := e.opts.ProviderName
	if providerName == "" {
		providerName = "mock"
	}
	p, err := e.providers.Build(providerName, nil)
	if err != nil {
		return rerr.Wrap(rerr.ProviderFailure, err, b.Name)
	}

	text, usage, err := p.Call(ctx, finalPrompt, b.Name)
	if err != nil {
		return err
	}

	return e.dir.WriteResult(b.Name, &taskdir.ResultEnvelope{
		Stage:     b.Name,
		Result:    text,
		Timestamp: time.Now(),
		Usage:     usage,
	})
}

func (e *Engine) advance(b *flowdoc.Block, progress int) {
	rec, ok := e.st.Get(b.Name)
	if !ok {
		rec = &store.Record{Name: b.Name, Phase: b.Phase, Status: store.StatusRunning, MaxRuns: b.EffectiveMaxRuns()}
	}
	if progress < rec.Progress {
		return // monotonicity
	}
	rec.Progress = progress
	rec.UpdatedAt = time.Now()
	_ = e.st.Upsert(rec)
}

func (e *Engine) hookContext(b *flowdoc.Block) logicrun.Context {
	return logicrun.Context{
		OutputFile:  e.dir.BlockResultPath(b.Name),
		WorkflowDir: e.opts.WorkflowDir,
		TaskDir:     e.dir.Root,
		TaskID:      e.opts.TaskID,
		TaskInput:   e.opts.TaskInput,
		BlockDir:    e.dir.BlockDir(b.Name),
		OutputsDir:  e.dir.BlockOutputsDir(b.Name),
		InputDir:    e.dir.BlockInputsDir(b.Name),
		DependsOn:   b.DependsOn,
	}
}

// handleCompletion is invoked by the coordinator for every finished worker.
// It updates the store, the completed set, applies failure policy, and
// evaluates the block's next directive.
func (e *Engine) handleCompletion(ctx context.Context, res blockResult) {
	b := e.doc.BlockByName(res.name)
	rec, _ := e.st.Get(res.name)
	if rec == nil {
		rec = &store.Record{Name: res.name, Phase: b.Phase, MaxRuns: b.EffectiveMaxRuns()}
	}
	rec.Status = res.status
	rec.UpdatedAt = time.Now()
	if res.status == store.StatusFailed {
		exitCode := 1
		rec.ExitCode = &exitCode
	} else {
		rec.Progress = 100
	}
	_ = e.st.Upsert(rec)

	e.mu.Lock()
	e.completed[res.name] = true
	e.mu.Unlock()

	_ = e.dir.AppendLog(fmt.Sprintf("[BLOCK_DONE] task=%s block=%s", e.opts.TaskID, res.name))

	if res.status == store.StatusFailed {
		e.blockFailures.Add(ctx, 1)
		if !b.ContinueIfFailed {
			e.stopWorkflow.Store(true)
			e.setStopReason(fmt.Sprintf("critical failure in %s", res.name))
		}
		return
	}

	if res.status == store.StatusDone && b.Next != nil && !b.Next.IsZero() {
		e.evaluateNext(b, res.name)
	}
}

// evaluateNext implements §4.1's after-completion next evaluation.
func (e *Engine) evaluateNext(b *flowdoc.Block, name string) {
	env, err := e.dir.ReadResult(name)
	if err != nil {
		slog.Warn("next: could not read result.json", "block", name, "error", err)
		return
	}

	parsed := parseResultField(env.Result)
	wrapped := map[string]any{
		"result": parsed,
		"_stage": env.Stage,
		"_saved": envelopeToMap(env),
	}

	target := resolveNextTarget(b.Next, wrapped)
	if target == "" {
		return
	}

	targetBlock := e.doc.BlockByName(target)
	if targetBlock == nil {
		slog.Warn("next: unknown target", "from", name, "target", target)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runCounts[target] >= targetBlock.EffectiveMaxRuns() {
		_ = e.dir.AppendLog(fmt.Sprintf("NEXT BLOCKED | max_runs target=%s", target))
		return
	}
	e.runCounts[target]++
	delete(e.completed, target)

	rec, _ := e.st.Get(target)
	if rec == nil {
		rec = &store.Record{Name: target, Phase: targetBlock.Phase, MaxRuns: targetBlock.EffectiveMaxRuns()}
	}
	_ = e.dir.ClearBlockOutputs(target)
	rec.Status = store.StatusWaiting
	rec.Progress = 0
	rec.RunCount = e.runCounts[target]
	rec.UpdatedAt = time.Now()
	_ = e.st.Upsert(rec)

	e.nextQueue = append(e.nextQueue, target)
	_ = e.dir.AppendLog(fmt.Sprintf("NEXT QUEUED | target=%s run_count=%d", target, rec.RunCount))
}

func resolveNextTarget(n *flowdoc.Next, data map[string]any) string {
	if n.Unconditional != "" {
		return n.Unconditional
	}
	for _, br := range n.Branches {
		if br.If != "" {
			if condition.Evaluate(br.If, data) {
				return br.Goto
			}
			continue
		}
		if br.Else != nil {
			if b, ok := br.Else.(bool); ok && b {
				return br.Goto
			}
			if s, ok := br.Else.(string); ok {
				return s
			}
		}
	}
	return ""
}

func parseResultField(result any) any {
	switch v := result.(type) {
	case string:
		var structured any
		if err := json.Unmarshal([]byte(v), &structured); err == nil {
			return structured
		}
		return map[string]any{"raw": v}
	default:
		return v
	}
}

func envelopeToMap(env *taskdir.ResultEnvelope) map[string]any {
	raw, _ := json.Marshal(env)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

// finalize writes metadata.json, summary.json, the coarse status marker,
// and closes out the run.
func (e *Engine) finalize(ctx context.Context) (*Summary, error) {
	_, span := e.tracer.Start(ctx, "engine.finalize")
	defer span.End()

	end := time.Now()
	records := e.st.All()

	perBlock := make(map[string]string, len(records))
	var done, failed, skipped int
	finalStatus := taskdir.StatusCompleted
	for _, r := range records {
		perBlock[r.Name] = string(r.Status)
		switch r.Status {
		case store.StatusDone:
			done++
		case store.StatusFailed:
			failed++
			finalStatus = taskdir.StatusFailed
		case store.StatusSkipped:
			skipped++
		}
	}

	e.mu.Lock()
	reason := e.stopReason
	e.mu.Unlock()
	if reason == "context cancelled" {
		finalStatus = taskdir.StatusCancelled
	}

	summary := &Summary{
		RunID:      e.opts.TaskID,
		Status:     finalStatus,
		StartedAt:  e.startTime,
		EndedAt:    end,
		Completed:  done,
		Failed:     failed,
		Skipped:    skipped,
		StopReason: reason,
		PerBlock:   perBlock,
	}
	meta := &Metadata{
		RunID:        e.opts.TaskID,
		WorkflowName: e.doc.Name,
		StartedAt:    e.startTime,
		EndedAt:      end,
		MaxParallel:  e.doc.MaxParallel,
	}

	if err := taskdir.WriteJSONFile(e.dir.SummaryPath(), summary); err != nil {
		return summary, err
	}
	if err := taskdir.WriteJSONFile(e.dir.MetadataPath(), meta); err != nil {
		return summary, err
	}
	if err := e.dir.WriteStatus(finalStatus); err != nil {
		return summary, err
	}
	_ = e.dir.AppendLog(fmt.Sprintf("[TASK_DONE] task=%s status=%s blocks=%d", e.opts.TaskID, finalStatus, len(records)))

	e.notifyMemoryCallback()

	return summary, nil
}

// notifyMemoryCallback hands the finished task directory to an external
// long-term-memory system, if one is configured via REIN_MEM_CLI. A
// callback failure is logged, never fails the task: mirrors
// save_task_to_memory's "[WARN] Memory callback failed" behavior in the
// system this orchestrator is modeled on.
func (e *Engine) notifyMemoryCallback() {
	cli := os.Getenv("REIN_MEM_CLI")
	if cli == "" {
		return
	}
	cmd := exec.Command(cli, e.dir.Root)
	out, err := cmd.CombinedOutput()
	if err != nil {
		slog.Warn("memory callback failed", "task", e.opts.TaskID, "error", err, "output", string(out))
		return
	}
	slog.Info("task results saved to memory", "task", e.opts.TaskID)
}
