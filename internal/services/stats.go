package services

import (
	"math"
	"time"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

// throughputWindow is the trailing window counted by the throughput figure.
const throughputWindow = time.Hour

// Classification splits a snapshot into the three record classes.
type Classification struct {
	Pending        []models.FileRecord
	AwaitingImport []models.FileRecord
	Imported       []models.FileRecord
}

// Classify partitions records by download and import status. Order is preserved.
func Classify(records []models.FileRecord) Classification {
	var c Classification
	for _, r := range records {
		switch {
		case r.Pending():
			c.Pending = append(c.Pending, r)
		case r.AwaitingImport():
			c.AwaitingImport = append(c.AwaitingImport, r)
		default:
			c.Imported = append(c.Imported, r)
		}
	}
	return c
}

// Total is the number of classified records.
func (c Classification) Total() int {
	return len(c.Pending) + len(c.AwaitingImport) + len(c.Imported)
}

// Stage derives the pipeline stage from the classification.
func (c Classification) Stage() models.PipelineStage {
	switch {
	case c.Total() == 0:
		return models.StageNoFiles
	case len(c.Pending) > 0 && len(c.AwaitingImport) > 0:
		return models.StageMixedDownloadAndImport
	case len(c.Pending) > 0:
		return models.StageAwaitingDownload
	case len(c.AwaitingImport) > 0:
		return models.StageAwaitingImport
	default:
		return models.StageAllImported
	}
}

// ClassifyStage is shorthand for Classify(records).Stage().
func ClassifyStage(records []models.FileRecord) models.PipelineStage {
	return Classify(records).Stage()
}

// FilterByCreationDay keeps the records created on day in loc.
func FilterByCreationDay(records []models.FileRecord, day string, loc *time.Location) []models.FileRecord {
	out := make([]models.FileRecord, 0, len(records))
	for _, r := range records {
		if r.CreatedOn(day, loc) {
			out = append(out, r)
		}
	}
	return out
}

// ProjectStats computes the counts and the rolling throughput of a snapshot at now.
func ProjectStats(records []models.FileRecord, now time.Time) models.DerivedStats {
	return projectClassified(Classify(records), now)
}

func projectClassified(c Classification, now time.Time) models.DerivedStats {
	return models.DerivedStats{
		Total:      c.Total(),
		Pending:    len(c.Pending),
		Downloaded: len(c.AwaitingImport),
		Imported:   len(c.Imported),
		Throughput: throughput(c.Imported, now),
		ComputedAt: now,
	}
}

// throughput is the number of imports in the trailing hour, per minute, to one decimal.
func throughput(imported []models.FileRecord, now time.Time) float64 {
	cutoff := now.Add(-throughputWindow)
	recent := 0
	for _, r := range imported {
		if r.LastModified.After(cutoff) {
			recent++
		}
	}
	perMinute := float64(recent) / throughputWindow.Minutes()
	return math.Round(perMinute*10) / 10
}
