package services

import (
	"sync"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

// Presenter receives everything the orchestrator surfaces to users. Calls are
// made while the orchestrator holds its lock and must not block.
type Presenter interface {
	PublishStats(stats models.DerivedStats)
	PublishMessage(message string)
	PublishNotice(notice models.Notice)
}

// Presenters fans out to several presenters in order.
type Presenters []Presenter

func (ps Presenters) PublishStats(stats models.DerivedStats) {
	for _, p := range ps {
		p.PublishStats(stats)
	}
}

func (ps Presenters) PublishMessage(message string) {
	for _, p := range ps {
		p.PublishMessage(message)
	}
}

func (ps Presenters) PublishNotice(notice models.Notice) {
	for _, p := range ps {
		p.PublishNotice(notice)
	}
}

// ViewSnapshot is what the State intent returns.
type ViewSnapshot struct {
	Stats   models.DerivedStats `json:"stats"`
	Message string              `json:"message"`
	Notice  *models.Notice      `json:"notice,omitempty"`
}

// StateView keeps the latest published values for readers such as the State intent.
type StateView struct {
	mu     sync.RWMutex
	stats  models.DerivedStats
	msg    string
	notice *models.Notice
}

func NewStateView() *StateView {
	return &StateView{}
}

func (v *StateView) PublishStats(stats models.DerivedStats) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stats = stats
}

func (v *StateView) PublishMessage(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.msg = message
}

func (v *StateView) PublishNotice(notice models.Notice) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notice = &notice
}

// Snapshot returns a copy of the latest values.
func (v *StateView) Snapshot() ViewSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := ViewSnapshot{Stats: v.stats, Message: v.msg}
	if v.notice != nil {
		n := *v.notice
		s.Notice = &n
	}
	return s
}
