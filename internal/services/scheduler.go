package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimerName identifies one of the orchestrator's independently cancellable timers.
type TimerName string

const (
	// TimerStatusRefresh is a one-shot that runs the decision algorithm.
	TimerStatusRefresh TimerName = "status-refresh"
	// TimerAutoTrigger periodically restarts an idle pipeline.
	TimerAutoTrigger TimerName = "auto-trigger"
	// TimerDownloadPoll re-polls status while files are pending download.
	TimerDownloadPoll TimerName = "download-poll"
	// TimerImportPoll retries imports until no file awaits import.
	TimerImportPoll TimerName = "import-poll"
)

// sessionTimers are disarmed as a group whenever the session becomes inactive.
var sessionTimers = []TimerName{TimerStatusRefresh, TimerDownloadPoll, TimerImportPoll}

// Timers is the scheduling port used by the Orchestrator.
type Timers interface {
	// Arm starts a periodic timer. It returns false if the timer is already armed.
	Arm(name TimerName, period time.Duration, fn func(context.Context)) bool
	// ArmOnce starts a one-shot timer. It returns false if the timer is already armed.
	ArmOnce(name TimerName, delay time.Duration, fn func(context.Context)) bool
	// Disarm stops a timer. Disarming an unarmed timer is a no-op.
	Disarm(name TimerName)
	// Armed reports whether the timer is currently armed.
	Armed(name TimerName) bool
}

// Scheduler owns a set of named timers driven by a clockwork.Clock. Every
// arming is tagged with a token; a firing whose token is no longer current is
// dropped, so a disarmed timer never runs its callback.
type Scheduler struct {
	ctx    context.Context
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	tokens uint64
	timers map[TimerName]*scheduledTimer
}

type scheduledTimer struct {
	token  uint64
	period time.Duration // zero for one-shots
	timer  clockwork.Timer
}

// NewScheduler creates a Scheduler. Callbacks receive ctx.
func NewScheduler(ctx context.Context, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		ctx:    ctx,
		clock:  clock,
		logger: logger.With("component", "scheduler"),
		timers: make(map[TimerName]*scheduledTimer),
	}
}

// Arm starts a periodic timer firing every period. The next period starts
// when the callback returns.
func (s *Scheduler) Arm(name TimerName, period time.Duration, fn func(context.Context)) bool {
	return s.arm(name, period, period, fn)
}

// ArmOnce starts a one-shot timer firing after delay.
func (s *Scheduler) ArmOnce(name TimerName, delay time.Duration, fn func(context.Context)) bool {
	return s.arm(name, delay, 0, fn)
}

func (s *Scheduler) arm(name TimerName, delay, period time.Duration, fn func(context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[name]; ok {
		return false
	}
	s.tokens++
	t := &scheduledTimer{token: s.tokens, period: period}
	s.timers[name] = t
	token := t.token
	t.timer = s.clock.AfterFunc(delay, func() { go s.fire(name, token, fn) })
	s.logger.Debug("Timer armed.", "timer", name, "delay", delay.String(), "periodic", period > 0)
	return true
}

func (s *Scheduler) fire(name TimerName, token uint64, fn func(context.Context)) {
	s.mu.Lock()
	t, ok := s.timers[name]
	if !ok || t.token != token {
		s.mu.Unlock()
		return
	}
	if t.period == 0 {
		delete(s.timers, name)
	}
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	fn(s.ctx)

	if t.period == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.timers[name]; ok && cur.token == token {
		cur.timer = s.clock.AfterFunc(cur.period, func() { go s.fire(name, token, fn) })
	}
}

// Disarm stops the named timer if it is armed.
func (s *Scheduler) Disarm(name TimerName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(name)
}

// DisarmAll stops the given timers, or every timer when none are named.
func (s *Scheduler) DisarmAll(names ...TimerName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(names) == 0 {
		for name := range s.timers {
			s.disarmLocked(name)
		}
		return
	}
	for _, name := range names {
		s.disarmLocked(name)
	}
}

func (s *Scheduler) disarmLocked(name TimerName) {
	t, ok := s.timers[name]
	if !ok {
		return
	}
	t.timer.Stop()
	delete(s.timers, name)
	s.logger.Debug("Timer disarmed.", "timer", name)
}

// Armed reports whether the named timer is armed.
func (s *Scheduler) Armed(name TimerName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// Close disarms every timer.
func (s *Scheduler) Close() {
	s.DisarmAll()
}
