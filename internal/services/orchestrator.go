package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

// OrchestratorConfig holds the cadence and policy knobs of the orchestrator.
type OrchestratorConfig struct {
	// Location defines the calendar day records are windowed by.
	Location             *time.Location
	BuildSettleDelay     time.Duration
	DownloadPollInterval time.Duration
	ImportPollInterval   time.Duration
	AutoTriggerInterval  time.Duration
	// ImportDebounce is the minimum spacing between two import triggers.
	ImportDebounce time.Duration
	// CallTimeout bounds every gateway call.
	CallTimeout time.Duration
	// MaxBuildAttempts caps consecutive build tasks that yield no files.
	MaxBuildAttempts int
}

// DefaultOrchestratorConfig returns the production cadence.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Location:             time.Local,
		BuildSettleDelay:     3 * time.Second,
		DownloadPollInterval: 5 * time.Second,
		ImportPollInterval:   30 * time.Second,
		AutoTriggerInterval:  180 * time.Second,
		ImportDebounce:       15 * time.Second,
		CallTimeout:          30 * time.Second,
		MaxBuildAttempts:     3,
	}
}

type branch int

const (
	branchIdle branch = iota
	branchBuild
	branchDownload
	branchImport
)

// trigger names what caused a snapshot evaluation.
type trigger int

const (
	fromScheduled trigger = iota
	fromResume
	fromRefresh
	fromDownloadPoll
	fromImportPoll
)

// OrchestratorState is the mutable state of the orchestrator. It is only read
// or written under the orchestrator's lock; State returns a copy.
type OrchestratorState struct {
	Active  bool
	Range   models.DateRange
	CycleID string
	// StartedAt is when the current cycle was started or resumed.
	StartedAt time.Time
	// Generation is bumped on every session transition. Asynchronous results
	// tagged with an older generation are discarded.
	Generation uint64
	Stage      models.PipelineStage
	Message    string
	// LastImportAttempt is shared by every path that issues an import.
	LastImportAttempt time.Time
	BuildAttempts     int

	branch     branch
	fetchSeq   uint64
	appliedSeq uint64
}

// action is a gateway trigger decided under lock and run after it is released.
type action func(ctx context.Context)

// Orchestrator drives the build → download → import pipeline for the current
// processing day.
type Orchestrator struct {
	gateway   Gateway
	sessions  SessionStore
	timers    Timers
	presenter Presenter
	reporter  RunReporter
	metrics   *Metrics
	clock     clockwork.Clock
	logger    *slog.Logger
	config    OrchestratorConfig

	mu    sync.Mutex
	state OrchestratorState
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithClock(clock clockwork.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithReporter archives a summary of every completed cycle.
func WithReporter(r RunReporter) OrchestratorOption {
	return func(o *Orchestrator) { o.reporter = r }
}

func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator creates an idle orchestrator. Call Resume to pick up a
// persisted session and EnableAutoTrigger to start the idle-restart cadence.
func NewOrchestrator(cfg OrchestratorConfig, gateway Gateway, sessions SessionStore, timers Timers, presenter Presenter, opts ...OrchestratorOption) *Orchestrator {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	o := &Orchestrator{
		gateway:   gateway,
		sessions:  sessions,
		timers:    timers,
		presenter: presenter,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// State returns a copy of the current state.
func (o *Orchestrator) State() OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start begins a processing cycle for today.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Active {
		return ErrAlreadyRunning
	}
	return o.activateLocked(ctx, models.SingleDay(o.today()))
}

// Cancel ends the current cycle. Results of calls still in flight are discarded.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	wasActive := o.state.Active
	cycleID := o.state.CycleID
	err := o.deactivateLocked(ctx)
	o.setMessageLocked("Processing cancelled.")
	if wasActive {
		o.metrics.cycle(outcomeCancelled)
		o.logger.Info("Processing cycle cancelled.", "cycleId", cycleID)
	}
	return err
}

// Refresh re-evaluates the pipeline from a fresh snapshot. Without an active
// session it only publishes stats.
func (o *Orchestrator) Refresh(ctx context.Context) {
	o.mu.Lock()
	gen := o.state.Generation
	o.mu.Unlock()

	o.evaluate(ctx, gen, fromRefresh)
}

// Resume continues a session persisted by a previous process. It reports
// whether a session was resumed. The first action of a resumed session is a
// status fetch for the persisted range, never a build task.
func (o *Orchestrator) Resume(ctx context.Context) (bool, error) {
	session, err := o.sessions.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	if !session.Active {
		return false, nil
	}

	o.mu.Lock()
	if o.state.Active {
		o.mu.Unlock()
		return false, ErrAlreadyRunning
	}
	rng := session.Range
	if rng.IsZero() {
		rng = models.SingleDay(o.today())
	}
	o.beginCycleLocked(rng)
	gen := o.state.Generation
	o.logger.Info("Resuming persisted processing session.",
		"cycleId", o.state.CycleID, "startDate", rng.Start, "endDate", rng.End)
	o.mu.Unlock()

	o.evaluate(ctx, gen, fromResume)
	return true, nil
}

// EnableAutoTrigger arms the auto-trigger timer. It stays armed across cycles.
func (o *Orchestrator) EnableAutoTrigger() bool {
	return o.timers.Arm(TimerAutoTrigger, o.config.AutoTriggerInterval, o.OnAutoTriggerTick)
}

// Shutdown disarms every timer. The persisted session is kept so that the
// next process resumes it.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.Generation++
	for _, name := range sessionTimers {
		o.timers.Disarm(name)
	}
	o.timers.Disarm(TimerAutoTrigger)
}

// OnAutoTriggerTick starts a cycle when no session is active and today's
// files are not all imported.
func (o *Orchestrator) OnAutoTriggerTick(ctx context.Context) {
	o.mu.Lock()
	if o.state.Active {
		o.mu.Unlock()
		return
	}
	gen := o.state.Generation
	today := o.today()
	o.mu.Unlock()

	var records []models.FileRecord
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		records, err = o.gateway.Status(ctx, models.SingleDay(today))
		return err
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.state.Generation || o.state.Active {
		o.metrics.staleResult()
		return
	}
	if err != nil {
		o.failLocked(ctx, callStatus, err)
		return
	}
	stage := ClassifyStage(FilterByCreationDay(records, today, o.config.Location))
	if stage == models.StageAllImported {
		o.logger.Debug("Auto-trigger: today's files are all imported.", "day", today)
		return
	}
	o.logger.Info("Auto-trigger starting processing cycle.", "day", today, "stage", stage)
	_ = o.activateLocked(ctx, models.SingleDay(today))
}

// --- session transitions ---

func (o *Orchestrator) beginCycleLocked(rng models.DateRange) {
	o.state.Generation++
	o.state.Active = true
	o.state.Range = rng
	o.state.CycleID = uuid.NewString()
	o.state.StartedAt = o.clock.Now()
	o.state.BuildAttempts = 0
	o.state.branch = branchIdle
}

func (o *Orchestrator) activateLocked(ctx context.Context, rng models.DateRange) error {
	o.beginCycleLocked(rng)
	if err := o.sessions.Save(ctx, models.Session{Active: true, Range: rng}); err != nil {
		err = fmt.Errorf("failed to persist session: %w", err)
		o.failLocked(ctx, "session", err)
		return err
	}
	o.metrics.cycle(outcomeStarted)
	o.logger.Info("Processing cycle started.", "cycleId", o.state.CycleID, "startDate", rng.Start, "endDate", rng.End)
	o.setMessageLocked("Checking today's files…")
	o.scheduleEvaluationLocked(o.state.Generation, 0)
	return nil
}

// deactivateLocked ends the session: no timer or in-flight call of this
// generation may act afterwards.
func (o *Orchestrator) deactivateLocked(ctx context.Context) error {
	o.state.Generation++
	for _, name := range sessionTimers {
		o.timers.Disarm(name)
	}
	o.state.Active = false
	o.state.Range = models.DateRange{}
	o.state.CycleID = ""
	o.state.BuildAttempts = 0
	o.state.branch = branchIdle

	if err := o.sessions.Clear(ctx); err != nil {
		o.logger.Error("Failed to clear persisted session", "error", err)
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (o *Orchestrator) finalizeLocked(ctx context.Context, c Classification) {
	now := o.clock.Now()
	day := o.today()
	summary := models.RunSummary{
		CycleID:    o.state.CycleID,
		Day:        day,
		Total:      c.Total(),
		Imported:   len(c.Imported),
		Throughput: throughput(c.Imported, now),
		StartedAt:  o.state.StartedAt,
		FinishedAt: now,
	}
	_ = o.deactivateLocked(ctx)

	msg := fmt.Sprintf("All %d files for %s imported.", summary.Total, day)
	o.setMessageLocked(msg)
	o.presenter.PublishNotice(models.Notice{
		Kind:    models.NoticeSuccess,
		Message: msg,
		CycleID: summary.CycleID,
		At:      now,
	})
	o.metrics.cycle(outcomeCompleted)
	o.logger.Info("Processing cycle completed.", "cycleId", summary.CycleID, "files", summary.Total)

	if o.reporter != nil {
		go o.report(context.WithoutCancel(ctx), summary)
	}
}

// failLocked is the single error path: deactivate, then notify once.
func (o *Orchestrator) failLocked(ctx context.Context, call string, err error) {
	cycleID := o.state.CycleID
	wasActive := o.state.Active
	o.metrics.gatewayError(call)
	_ = o.deactivateLocked(ctx)

	redirect := errors.Is(err, ErrUnauthorized)
	msg := fmt.Sprintf("Processing failed: %v", err)
	o.setMessageLocked(msg)
	o.presenter.PublishNotice(models.Notice{
		Kind:            models.NoticeError,
		Message:         msg,
		RedirectToLogin: redirect,
		CycleID:         cycleID,
		At:              o.clock.Now(),
	})
	if wasActive {
		o.metrics.cycle(outcomeFailed)
	}
	o.logger.Error("Processing cycle failed", "error", err, "call", call, "cycleId", cycleID, "redirectToLogin", redirect)
}

func (o *Orchestrator) report(ctx context.Context, summary models.RunSummary) {
	ctx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()
	if err := o.reporter.ReportRun(ctx, summary); err != nil {
		o.logger.Error("Failed to archive run summary", "error", err, "cycleId", summary.CycleID)
	}
}

// --- decision algorithm ---

func (o *Orchestrator) scheduleEvaluationLocked(gen uint64, delay time.Duration) {
	o.timers.ArmOnce(TimerStatusRefresh, delay, func(ctx context.Context) {
		o.evaluate(ctx, gen, fromScheduled)
	})
}

// evaluate fetches a snapshot and acts on it. The fetch is the suspension
// point; the result is re-validated against the generation and fetch sequence.
func (o *Orchestrator) evaluate(ctx context.Context, gen uint64, from trigger) {
	o.mu.Lock()
	if gen != o.state.Generation {
		o.mu.Unlock()
		return
	}
	rng := o.state.Range
	if !o.state.Active || rng.IsZero() {
		rng = models.SingleDay(o.today())
	}
	o.state.fetchSeq++
	seq := o.state.fetchSeq
	o.mu.Unlock()

	var records []models.FileRecord
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		records, err = o.gateway.Status(ctx, rng)
		return err
	})

	o.mu.Lock()
	actions := o.applySnapshotLocked(ctx, gen, seq, from, records, err)
	o.mu.Unlock()

	for _, act := range actions {
		act(ctx)
	}
}

func (o *Orchestrator) applySnapshotLocked(ctx context.Context, gen, seq uint64, from trigger, records []models.FileRecord, err error) []action {
	if gen != o.state.Generation || seq <= o.state.appliedSeq {
		o.metrics.staleResult()
		o.logger.Debug("Discarding stale status result.", "seq", seq, "appliedSeq", o.state.appliedSeq)
		return nil
	}
	o.state.appliedSeq = seq
	if err != nil {
		o.failLocked(ctx, callStatus, err)
		return nil
	}

	today := FilterByCreationDay(records, o.today(), o.config.Location)
	c := Classify(today)
	stats := projectClassified(c, o.clock.Now())
	o.state.Stage = c.Stage()
	o.presenter.PublishStats(stats)
	o.metrics.observeStats(stats)

	if !o.state.Active {
		return nil
	}
	return o.decideLocked(ctx, gen, c, from)
}

func (o *Orchestrator) decideLocked(ctx context.Context, gen uint64, c Classification, from trigger) []action {
	if c.Total() > 0 {
		o.state.BuildAttempts = 0
	}

	switch {
	case c.Total() == 0:
		// Only the settle re-run may re-issue a build for a cycle already building.
		if o.state.branch == branchBuild && from != fromScheduled {
			return nil
		}
		return o.enterBuildLocked(ctx, gen)

	case len(c.Pending) > 0:
		if o.state.branch != branchDownload {
			return o.enterDownloadLocked(gen, c)
		}
		o.setMessageLocked(fmt.Sprintf("Downloading: %d pending, %d awaiting import.", len(c.Pending), len(c.AwaitingImport)))
		if from == fromDownloadPoll && len(c.AwaitingImport) > 0 {
			return o.requestImportLocked(gen, c.AwaitingImport)
		}
		return nil

	case len(c.AwaitingImport) > 0:
		if o.state.branch != branchImport {
			return o.enterImportLocked(gen, c)
		}
		if from == fromImportPoll {
			return o.requestImportLocked(gen, c.AwaitingImport)
		}
		return nil

	default:
		o.finalizeLocked(ctx, c)
		return nil
	}
}

func (o *Orchestrator) enterBuildLocked(ctx context.Context, gen uint64) []action {
	o.timers.Disarm(TimerDownloadPoll)
	o.timers.Disarm(TimerImportPoll)
	o.state.branch = branchBuild

	if o.state.BuildAttempts >= o.config.MaxBuildAttempts {
		o.failLocked(ctx, callBuildTask, fmt.Errorf("%w after %d attempts", ErrNoFilesBuilt, o.state.BuildAttempts))
		return nil
	}
	o.state.BuildAttempts++

	rng := models.SingleDay(o.today())
	o.setMessageLocked(fmt.Sprintf("Building file list for %s…", rng.Start))
	return []action{func(ctx context.Context) { o.triggerBuild(ctx, gen, rng) }}
}

func (o *Orchestrator) enterDownloadLocked(gen uint64, c Classification) []action {
	o.timers.Disarm(TimerImportPoll)
	o.state.branch = branchDownload
	o.setMessageLocked(fmt.Sprintf("Downloading %d files…", len(c.Pending)))
	o.timers.Arm(TimerDownloadPoll, o.config.DownloadPollInterval, func(ctx context.Context) {
		o.evaluate(ctx, gen, fromDownloadPoll)
	})
	return []action{func(ctx context.Context) { o.triggerDownload(ctx, gen) }}
}

func (o *Orchestrator) enterImportLocked(gen uint64, c Classification) []action {
	o.timers.Disarm(TimerDownloadPoll)
	o.state.branch = branchImport
	o.setMessageLocked(fmt.Sprintf("Importing %d files…", len(c.AwaitingImport)))
	o.timers.Arm(TimerImportPoll, o.config.ImportPollInterval, func(ctx context.Context) {
		o.evaluate(ctx, gen, fromImportPoll)
	})
	return o.requestImportLocked(gen, c.AwaitingImport)
}

// requestImportLocked is the only way an import is issued. It enforces the
// debounce window against the shared last-attempt timestamp.
func (o *Orchestrator) requestImportLocked(gen uint64, subset []models.FileRecord) []action {
	now := o.clock.Now()
	if last := o.state.LastImportAttempt; !last.IsZero() && now.Sub(last) < o.config.ImportDebounce {
		o.metrics.importDebounced()
		o.logger.Debug("Import debounced.", "sinceLast", now.Sub(last).String(), "files", len(subset))
		return nil
	}
	o.state.LastImportAttempt = now
	files := append([]models.FileRecord(nil), subset...)
	return []action{func(ctx context.Context) { o.triggerImport(ctx, gen, files) }}
}

// --- triggers ---

func (o *Orchestrator) triggerBuild(ctx context.Context, gen uint64, rng models.DateRange) {
	o.metrics.trigger(callBuildTask)
	err := o.call(ctx, func(ctx context.Context) error { return o.gateway.BuildTask(ctx, rng) })

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(gen) {
		return
	}
	if err != nil {
		o.failLocked(ctx, callBuildTask, err)
		return
	}
	o.logger.Info("Build task acknowledged.", "cycleId", o.state.CycleID, "day", rng.Start, "attempt", o.state.BuildAttempts)
	o.scheduleEvaluationLocked(gen, o.config.BuildSettleDelay)
}

func (o *Orchestrator) triggerDownload(ctx context.Context, gen uint64) {
	o.metrics.trigger(callDownload)
	err := o.call(ctx, o.gateway.Download)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(gen) {
		return
	}
	if err != nil {
		o.failLocked(ctx, callDownload, err)
		return
	}
	o.logger.Info("Download trigger acknowledged.", "cycleId", o.state.CycleID)
}

func (o *Orchestrator) triggerImport(ctx context.Context, gen uint64, files []models.FileRecord) {
	o.metrics.trigger(callImport)
	var result []models.FileRecord
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		result, err = o.gateway.Import(ctx, files)
		return err
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(gen) {
		return
	}
	if err != nil {
		o.failLocked(ctx, callImport, err)
		return
	}
	imported := 0
	for _, r := range result {
		if r.Imported() {
			imported++
		}
	}
	// Records still carrying the not-found sentinel are retried by import-poll.
	o.logger.Info("Import acknowledged.", "cycleId", o.state.CycleID, "requested", len(files), "imported", imported)
	o.setMessageLocked(fmt.Sprintf("Imported %d of %d files.", imported, len(files)))
}

// --- helpers ---

func (o *Orchestrator) currentLocked(gen uint64) bool {
	if gen != o.state.Generation {
		o.metrics.staleResult()
		return false
	}
	return true
}

func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()
	return fn(ctx)
}

func (o *Orchestrator) setMessageLocked(msg string) {
	o.state.Message = msg
	o.presenter.PublishMessage(msg)
}

func (o *Orchestrator) today() string {
	return models.Day(o.clock.Now(), o.config.Location)
}
