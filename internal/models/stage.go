package models

import "time"

// PipelineStage is the pipeline phase derived from a day's records.
type PipelineStage string

const (
	StageNoFiles                PipelineStage = "NoFiles"
	StageAwaitingDownload       PipelineStage = "AwaitingDownload"
	StageAwaitingImport         PipelineStage = "AwaitingImport"
	StageMixedDownloadAndImport PipelineStage = "MixedDownloadAndImport"
	StageAllImported            PipelineStage = "AllImported"
)

// DerivedStats is the projection of a snapshot published to the presentation layer.
type DerivedStats struct {
	Total      int       `json:"total"`
	Pending    int       `json:"pending"`
	Downloaded int       `json:"downloaded"`
	Imported   int       `json:"imported"`
	Throughput float64   `json:"throughputPerMinute"`
	ComputedAt time.Time `json:"computedAt"`
}

// NoticeKind is the outcome carried by a terminal notice.
type NoticeKind string

const (
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
)

// Notice is a terminal, user-visible outcome of a processing cycle.
type Notice struct {
	Kind            NoticeKind `json:"kind"`
	Message         string     `json:"message"`
	RedirectToLogin bool       `json:"redirectToLogin,omitempty"`
	CycleID         string     `json:"cycleId,omitempty"`
	At              time.Time  `json:"at"`
}

// RunSummary records a finalized processing cycle.
type RunSummary struct {
	CycleID    string    `json:"cycleId"`
	Day        string    `json:"day"`
	Total      int       `json:"total"`
	Imported   int       `json:"imported"`
	Throughput float64   `json:"throughputPerMinute"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
