package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

var testNow = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

const testDay = "2026-10-14"

// --- fakes ---

type fakeTimer struct {
	delay time.Duration
	once  bool
	fn    func(context.Context)
}

// fakeTimers records armed timers; tests fire them synchronously.
type fakeTimers struct {
	mu    sync.Mutex
	armed map[TimerName]*fakeTimer
	arms  map[TimerName]int
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: map[TimerName]*fakeTimer{}, arms: map[TimerName]int{}}
}

func (f *fakeTimers) Arm(name TimerName, period time.Duration, fn func(context.Context)) bool {
	return f.arm(name, &fakeTimer{delay: period, fn: fn})
}

func (f *fakeTimers) ArmOnce(name TimerName, delay time.Duration, fn func(context.Context)) bool {
	return f.arm(name, &fakeTimer{delay: delay, once: true, fn: fn})
}

func (f *fakeTimers) arm(name TimerName, t *fakeTimer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.armed[name]; ok {
		return false
	}
	f.armed[name] = t
	f.arms[name]++
	return true
}

func (f *fakeTimers) Disarm(name TimerName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, name)
}

func (f *fakeTimers) Armed(name TimerName) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[name]
	return ok
}

func (f *fakeTimers) timer(t *testing.T, name TimerName) *fakeTimer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	timer, ok := f.armed[name]
	require.True(t, ok, "timer %s is not armed", name)
	return timer
}

func (f *fakeTimers) fire(t *testing.T, name TimerName) {
	t.Helper()
	f.mu.Lock()
	timer, ok := f.armed[name]
	require.True(t, ok, "timer %s is not armed", name)
	if timer.once {
		delete(f.armed, name)
	}
	f.mu.Unlock()
	timer.fn(context.Background())
}

type fakeGateway struct {
	mu      sync.Mutex
	records []models.FileRecord

	statusErr error
	buildErr  error
	// keepNotFound leaves imported records at the not-found sentinel.
	keepNotFound bool
	// onBuild runs when a build task is acknowledged.
	onBuild func(g *fakeGateway)
	// statusGate runs outside the lock before the n-th status call returns.
	statusGate func(n int)

	statusRanges []models.DateRange
	builds       []models.DateRange
	downloads    int
	imports      [][]models.FileRecord
}

func (g *fakeGateway) setRecords(records ...models.FileRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = records
}

func (g *fakeGateway) Status(ctx context.Context, r models.DateRange) ([]models.FileRecord, error) {
	g.mu.Lock()
	g.statusRanges = append(g.statusRanges, r)
	n := len(g.statusRanges)
	gate := g.statusGate
	out := append([]models.FileRecord(nil), g.records...)
	err := g.statusErr
	g.mu.Unlock()

	if gate != nil {
		gate(n)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *fakeGateway) BuildTask(ctx context.Context, r models.DateRange) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.builds = append(g.builds, r)
	if g.buildErr != nil {
		return g.buildErr
	}
	if g.onBuild != nil {
		g.onBuild(g)
	}
	return nil
}

func (g *fakeGateway) Download(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.downloads++
	return nil
}

func (g *fakeGateway) Import(ctx context.Context, files []models.FileRecord) ([]models.FileRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.imports = append(g.imports, files)
	out := make([]models.FileRecord, 0, len(files))
	for _, f := range files {
		if !g.keepNotFound {
			f.ImportStatus = models.ImportStatusSuccess
			for i := range g.records {
				if g.records[i].ID == f.ID {
					g.records[i].ImportStatus = models.ImportStatusSuccess
				}
			}
		}
		out = append(out, f)
	}
	return out, nil
}

func (g *fakeGateway) counts() (statuses, builds, downloads, imports int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.statusRanges), len(g.builds), g.downloads, len(g.imports)
}

type fakePresenter struct {
	mu       sync.Mutex
	stats    []models.DerivedStats
	messages []string
	notices  []models.Notice
}

func (p *fakePresenter) PublishStats(s models.DerivedStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = append(p.stats, s)
}

func (p *fakePresenter) PublishMessage(m string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
}

func (p *fakePresenter) PublishNotice(n models.Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
}

func (p *fakePresenter) noticeList() []models.Notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Notice(nil), p.notices...)
}

type failingSessionStore struct {
	MemorySessionStore
}

func (*failingSessionStore) Save(context.Context, models.Session) error {
	return errors.New("disk full")
}

type chanReporter chan models.RunSummary

func (c chanReporter) ReportRun(_ context.Context, s models.RunSummary) error {
	c <- s
	return nil
}

// --- fixtures ---

func record(id string, download, imp int) models.FileRecord {
	return models.FileRecord{
		ID:             models.RecordID(id),
		Filename:       id + ".csv",
		CreatedAt:      testNow.Add(-time.Hour),
		DownloadStatus: download,
		ImportStatus:   imp,
		LastModified:   testNow.Add(-10 * time.Minute),
	}
}

func pending(id string) models.FileRecord  { return record(id, 0, models.ImportStatusNotFound) }
func awaiting(id string) models.FileRecord { return record(id, 200, models.ImportStatusNotFound) }
func imported(id string) models.FileRecord { return record(id, 200, models.ImportStatusSuccess) }

type harness struct {
	o         *Orchestrator
	gw        *fakeGateway
	timers    *fakeTimers
	presenter *fakePresenter
	sessions  SessionStore
	clock     *clockwork.FakeClock
	metrics   *Metrics
}

func newHarness(t *testing.T, gw *fakeGateway, opts ...OrchestratorOption) *harness {
	t.Helper()
	h := &harness{
		gw:        gw,
		timers:    newFakeTimers(),
		presenter: &fakePresenter{},
		sessions:  NewMemorySessionStore(),
		clock:     clockwork.NewFakeClockAt(testNow),
		metrics:   NewMetrics(),
	}
	h.build(opts...)
	return h
}

func (h *harness) build(opts ...OrchestratorOption) {
	cfg := DefaultOrchestratorConfig()
	cfg.Location = time.UTC
	opts = append([]OrchestratorOption{WithClock(h.clock), WithMetrics(h.metrics)}, opts...)
	h.o = NewOrchestrator(cfg, h.gw, h.sessions, h.timers, h.presenter, opts...)
}

func (h *harness) assertSessionTimersDisarmed(t *testing.T) {
	t.Helper()
	for _, name := range sessionTimers {
		assert.False(t, h.timers.Armed(name), "timer %s still armed", name)
	}
}

// --- end-to-end scenarios ---

func TestOrchestrator_EmptyDayBuildsDownloadsAndImports(t *testing.T) {
	gw := &fakeGateway{onBuild: func(g *fakeGateway) {
		g.records = []models.FileRecord{pending("a"), pending("b")}
	}}
	h := newHarness(t, gw)
	ctx := context.Background()

	require.NoError(t, h.o.Start(ctx))
	session, err := h.sessions.Load(ctx)
	require.NoError(t, err)
	assert.True(t, session.Active)
	assert.Equal(t, models.SingleDay(testDay), session.Range)
	assert.Equal(t, time.Duration(0), h.timers.timer(t, TimerStatusRefresh).delay)

	h.timers.fire(t, TimerStatusRefresh)
	_, builds, _, _ := gw.counts()
	require.Equal(t, 1, builds)
	assert.Equal(t, models.SingleDay(testDay), gw.builds[0])
	assert.Equal(t, 3*time.Second, h.timers.timer(t, TimerStatusRefresh).delay)

	h.timers.fire(t, TimerStatusRefresh)
	_, _, downloads, _ := gw.counts()
	assert.Equal(t, 1, downloads)
	assert.True(t, h.timers.Armed(TimerDownloadPoll))

	gw.setRecords(awaiting("a"), awaiting("b"))
	h.timers.fire(t, TimerDownloadPoll)
	assert.False(t, h.timers.Armed(TimerDownloadPoll))
	assert.True(t, h.timers.Armed(TimerImportPoll))
	_, _, _, imports := gw.counts()
	require.Equal(t, 1, imports)
	assert.Len(t, gw.imports[0], 2)

	h.timers.fire(t, TimerImportPoll)

	_, builds, downloads, imports = gw.counts()
	assert.Equal(t, 1, builds)
	assert.Equal(t, 1, downloads)
	assert.Equal(t, 1, imports)

	state := h.o.State()
	assert.False(t, state.Active)
	assert.Equal(t, models.StageAllImported, state.Stage)
	h.assertSessionTimersDisarmed(t)

	notices := h.presenter.noticeList()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticeSuccess, notices[0].Kind)

	session, err = h.sessions.Load(ctx)
	require.NoError(t, err)
	assert.False(t, session.Active)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.cycles.WithLabelValues(outcomeCompleted)))
}

func TestOrchestrator_MixedDebouncesSharedImports(t *testing.T) {
	gw := &fakeGateway{keepNotFound: true}
	gw.setRecords(pending("p"), awaiting("d"))
	h := newHarness(t, gw)

	require.NoError(t, h.o.Start(context.Background()))
	h.timers.fire(t, TimerStatusRefresh)

	_, _, downloads, imports := gw.counts()
	assert.Equal(t, 1, downloads)
	assert.Equal(t, 0, imports)

	h.timers.fire(t, TimerDownloadPoll)
	_, _, _, imports = gw.counts()
	require.Equal(t, 1, imports)
	assert.Equal(t, models.RecordID("d"), gw.imports[0][0].ID)

	// Second tick inside the window is suppressed.
	h.clock.Advance(5 * time.Second)
	h.timers.fire(t, TimerDownloadPoll)
	_, _, _, imports = gw.counts()
	assert.Equal(t, 1, imports)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.debounced))

	h.clock.Advance(11 * time.Second)
	h.timers.fire(t, TimerDownloadPoll)
	_, _, _, imports = gw.counts()
	assert.Equal(t, 2, imports)

	// Entering the import branch right after an opportunistic import is debounced too.
	gw.setRecords(awaiting("p"), awaiting("d"))
	h.timers.fire(t, TimerDownloadPoll)
	assert.True(t, h.timers.Armed(TimerImportPoll))
	_, _, downloads, imports = gw.counts()
	assert.Equal(t, 2, imports)
	assert.Equal(t, 1, downloads)

	h.clock.Advance(30 * time.Second)
	h.timers.fire(t, TimerImportPoll)
	_, _, _, imports = gw.counts()
	assert.Equal(t, 3, imports)
	assert.Len(t, gw.imports[2], 2)
	assert.True(t, h.o.State().Active)
}

func TestOrchestrator_AllImportedFinalizesWithoutTriggers(t *testing.T) {
	gw := &fakeGateway{}
	gw.setRecords(imported("a"), imported("b"))
	reports := make(chanReporter, 1)
	h := newHarness(t, gw, WithReporter(reports))

	require.NoError(t, h.o.Start(context.Background()))
	cycleID := h.o.State().CycleID
	h.timers.fire(t, TimerStatusRefresh)

	_, builds, downloads, imports := gw.counts()
	assert.Zero(t, builds+downloads+imports)
	assert.False(t, h.o.State().Active)

	notices := h.presenter.noticeList()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticeSuccess, notices[0].Kind)
	assert.Equal(t, cycleID, notices[0].CycleID)

	select {
	case summary := <-reports:
		assert.Equal(t, cycleID, summary.CycleID)
		assert.Equal(t, testDay, summary.Day)
		assert.Equal(t, 2, summary.Total)
		assert.Equal(t, 2, summary.Imported)
	case <-time.After(time.Second):
		t.Fatal("run summary was not reported")
	}
}

func TestOrchestrator_CancelMidDownload(t *testing.T) {
	gw := &fakeGateway{}
	gw.setRecords(pending("a"))
	h := newHarness(t, gw)
	ctx := context.Background()
	require.True(t, h.o.EnableAutoTrigger())

	require.NoError(t, h.o.Start(ctx))
	h.timers.fire(t, TimerStatusRefresh)
	poll := h.timers.timer(t, TimerDownloadPoll)

	require.NoError(t, h.o.Cancel(ctx))
	h.assertSessionTimersDisarmed(t)
	assert.True(t, h.timers.Armed(TimerAutoTrigger))

	state := h.o.State()
	assert.False(t, state.Active)
	assert.True(t, state.Range.IsZero())
	session, err := h.sessions.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Session{}, session)

	// A callback captured before the cancel no longer reaches the gateway.
	statuses, _, _, _ := gw.counts()
	poll.fn(ctx)
	after, _, _, _ := gw.counts()
	assert.Equal(t, statuses, after)
	assert.Empty(t, h.presenter.noticeList())
}

// --- properties ---

func TestOrchestrator_CancelDiscardsInFlightFetch(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gw := &fakeGateway{statusGate: func(int) {
		close(entered)
		<-release
	}}
	h := newHarness(t, gw)
	ctx := context.Background()

	require.NoError(t, h.o.Start(ctx))
	refresh := h.timers.timer(t, TimerStatusRefresh)
	done := make(chan struct{})
	go func() {
		defer close(done)
		refresh.fn(ctx)
	}()

	<-entered
	require.NoError(t, h.o.Cancel(ctx))
	close(release)
	<-done

	_, builds, _, _ := gw.counts()
	assert.Zero(t, builds)
	assert.Empty(t, h.presenter.noticeList())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.staleResults))
	h.assertSessionTimersDisarmed(t)
}

func TestOrchestrator_DropsOutOfOrderFetch(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gw := &fakeGateway{statusGate: func(n int) {
		if n == 1 {
			close(entered)
			<-release
		}
	}}
	gw.setRecords(pending("a"))
	h := newHarness(t, gw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.o.Refresh(context.Background())
	}()
	<-entered

	gw.setRecords(imported("a"))
	h.o.Refresh(context.Background())
	close(release)
	<-done

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.staleResults))
	h.presenter.mu.Lock()
	defer h.presenter.mu.Unlock()
	require.Len(t, h.presenter.stats, 1)
	assert.Equal(t, 1, h.presenter.stats[0].Imported)
}

func TestOrchestrator_ResumeFetchesPersistedRange(t *testing.T) {
	gw := &fakeGateway{}
	gw.setRecords(pending("a"))
	h := newHarness(t, gw)
	ctx := context.Background()
	persisted := models.Session{Active: true, Range: models.SingleDay(testDay)}
	require.NoError(t, h.sessions.Save(ctx, persisted))

	resumed, err := h.o.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, resumed)

	require.NotEmpty(t, gw.statusRanges)
	assert.Equal(t, persisted.Range, gw.statusRanges[0])
	_, builds, downloads, _ := gw.counts()
	assert.Zero(t, builds)
	assert.Equal(t, 1, downloads)
	assert.True(t, h.o.State().Active)
	assert.True(t, h.timers.Armed(TimerDownloadPoll))
}

func TestOrchestrator_ResumeWithoutSession(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, gw)

	resumed, err := h.o.Resume(context.Background())
	require.NoError(t, err)
	assert.False(t, resumed)
	statuses, _, _, _ := gw.counts()
	assert.Zero(t, statuses)
}

func TestOrchestrator_StartWhileActive(t *testing.T) {
	h := newHarness(t, &fakeGateway{})
	ctx := context.Background()

	require.NoError(t, h.o.Start(ctx))
	before := h.o.State()

	err := h.o.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	after := h.o.State()
	assert.Equal(t, before.Generation, after.Generation)
	assert.Equal(t, before.CycleID, after.CycleID)
	assert.Equal(t, 1, h.timers.arms[TimerStatusRefresh])
}

func TestOrchestrator_RepeatedRefreshDoesNotRetrigger(t *testing.T) {
	gw := &fakeGateway{}
	gw.setRecords(pending("a"))
	h := newHarness(t, gw)
	ctx := context.Background()

	require.NoError(t, h.o.Start(ctx))
	h.timers.fire(t, TimerStatusRefresh)
	for i := 0; i < 3; i++ {
		h.o.Refresh(ctx)
	}

	_, builds, downloads, imports := gw.counts()
	assert.Zero(t, builds)
	assert.Equal(t, 1, downloads)
	assert.Zero(t, imports)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.triggers.WithLabelValues(callDownload)))
}

func TestOrchestrator_RefreshWhileIdleOnlyObserves(t *testing.T) {
	gw := &fakeGateway{}
	gw.setRecords(pending("a"), awaiting("b"))
	h := newHarness(t, gw)

	h.o.Refresh(context.Background())

	statuses, builds, downloads, imports := gw.counts()
	assert.Equal(t, 1, statuses)
	assert.Zero(t, builds+downloads+imports)
	assert.Equal(t, models.StageMixedDownloadAndImport, h.o.State().Stage)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.files.WithLabelValues("pending")))
}

func TestOrchestrator_BuildRetriesAreCapped(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, gw)

	require.NoError(t, h.o.Start(context.Background()))
	for i := 0; i < 3; i++ {
		h.timers.fire(t, TimerStatusRefresh)
		// Refreshing while a build settles never issues another build.
		h.o.Refresh(context.Background())
	}
	h.timers.fire(t, TimerStatusRefresh)

	_, builds, _, _ := gw.counts()
	assert.Equal(t, 3, builds)
	assert.False(t, h.o.State().Active)
	notices := h.presenter.noticeList()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticeError, notices[0].Kind)
	assert.Contains(t, notices[0].Message, ErrNoFilesBuilt.Error())
}

func TestOrchestrator_UnauthorizedRedirectsToLogin(t *testing.T) {
	gw := &fakeGateway{statusErr: &GatewayError{Call: callStatus, StatusCode: 401}}
	h := newHarness(t, gw)
	ctx := context.Background()

	require.NoError(t, h.o.Start(ctx))
	h.timers.fire(t, TimerStatusRefresh)

	assert.False(t, h.o.State().Active)
	h.assertSessionTimersDisarmed(t)
	notices := h.presenter.noticeList()
	require.Len(t, notices, 1)
	assert.Equal(t, models.NoticeError, notices[0].Kind)
	assert.True(t, notices[0].RedirectToLogin)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.cycles.WithLabelValues(outcomeFailed)))
}

func TestOrchestrator_BuildFailureNotifiesOnce(t *testing.T) {
	gw := &fakeGateway{buildErr: &GatewayError{Call: callBuildTask, StatusCode: 500}}
	h := newHarness(t, gw)

	require.NoError(t, h.o.Start(context.Background()))
	h.timers.fire(t, TimerStatusRefresh)

	notices := h.presenter.noticeList()
	require.Len(t, notices, 1)
	assert.False(t, notices[0].RedirectToLogin)
	assert.False(t, h.timers.Armed(TimerStatusRefresh))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.gatewayErrors.WithLabelValues(callBuildTask)))
}

func TestOrchestrator_SessionSaveFailure(t *testing.T) {
	h := newHarness(t, &fakeGateway{})
	h.sessions = &failingSessionStore{}
	h.build()

	err := h.o.Start(context.Background())
	require.Error(t, err)
	assert.False(t, h.o.State().Active)
	assert.False(t, h.timers.Armed(TimerStatusRefresh))
	require.Len(t, h.presenter.noticeList(), 1)
}

func TestOrchestrator_AutoTrigger(t *testing.T) {
	t.Run("starts when files remain", func(t *testing.T) {
		gw := &fakeGateway{}
		gw.setRecords(imported("a"), pending("b"))
		h := newHarness(t, gw)

		h.o.OnAutoTriggerTick(context.Background())
		assert.True(t, h.o.State().Active)
		assert.True(t, h.timers.Armed(TimerStatusRefresh))
	})

	t.Run("starts on an empty day", func(t *testing.T) {
		h := newHarness(t, &fakeGateway{})

		h.o.OnAutoTriggerTick(context.Background())
		assert.True(t, h.o.State().Active)
	})

	t.Run("idle when all imported", func(t *testing.T) {
		gw := &fakeGateway{}
		gw.setRecords(imported("a"))
		h := newHarness(t, gw)

		h.o.OnAutoTriggerTick(context.Background())
		assert.False(t, h.o.State().Active)
		assert.Empty(t, h.presenter.noticeList())
	})

	t.Run("no-op while active", func(t *testing.T) {
		gw := &fakeGateway{}
		h := newHarness(t, gw)
		require.NoError(t, h.o.Start(context.Background()))

		h.o.OnAutoTriggerTick(context.Background())
		statuses, _, _, _ := gw.counts()
		assert.Zero(t, statuses)
	})

	t.Run("ignores yesterday's records", func(t *testing.T) {
		gw := &fakeGateway{}
		old := imported("a")
		stale := pending("b")
		stale.CreatedAt = testNow.Add(-24 * time.Hour)
		gw.setRecords(old, stale)
		h := newHarness(t, gw)

		h.o.OnAutoTriggerTick(context.Background())
		assert.False(t, h.o.State().Active)
	})
}

func TestOrchestrator_ShutdownKeepsSession(t *testing.T) {
	gw := &fakeGateway{}
	gw.setRecords(pending("a"))
	h := newHarness(t, gw)
	ctx := context.Background()
	require.True(t, h.o.EnableAutoTrigger())
	require.NoError(t, h.o.Start(ctx))
	h.timers.fire(t, TimerStatusRefresh)

	h.o.Shutdown()

	h.assertSessionTimersDisarmed(t)
	assert.False(t, h.timers.Armed(TimerAutoTrigger))
	session, err := h.sessions.Load(ctx)
	require.NoError(t, err)
	assert.True(t, session.Active)
}
