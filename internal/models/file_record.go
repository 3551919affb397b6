package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Status codes reported by the remote download and import agents.
const (
	DownloadStatusSuccess = 200
	ImportStatusSuccess   = 200
	// ImportStatusNotFound marks a record the import agent has not loaded yet.
	ImportStatusNotFound = 404
)

// RecordID is the opaque identity of a remote file. The status service emits it
// either as a JSON string or as a JSON number; both decode to the same value.
type RecordID string

// UnmarshalJSON accepts both string and numeric ids.
func (id *RecordID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode record id: %w", err)
		}
		*id = RecordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("failed to decode record id: %w", err)
	}
	*id = RecordID(n.String())
	return nil
}

// FileRecord is one remote file observed for the processing day. The download
// and import status fields are owned by the remote agents; the dashboard only
// re-reads them.
type FileRecord struct {
	ID             RecordID   `json:"id" firestore:"id"`
	Directory      string     `json:"directory,omitempty" firestore:"directory,omitempty"`
	Segment        string     `json:"segment,omitempty" firestore:"segment,omitempty"`
	Filename       string     `json:"filename" firestore:"filename"`
	FileType       string     `json:"fileType,omitempty" firestore:"fileType,omitempty"`
	CreatedAt      time.Time  `json:"createdAt" firestore:"createdAt"`
	DownloadStatus int        `json:"downloadStatus" firestore:"downloadStatus"`
	ImportStatus   int        `json:"importStatus" firestore:"importStatus"`
	LastModified   time.Time  `json:"lastModified" firestore:"lastModified"`
	DownloadedAt   *time.Time `json:"downloadedAt,omitempty" firestore:"downloadedAt,omitempty"`
	ImportedAt     *time.Time `json:"importedAt,omitempty" firestore:"importedAt,omitempty"`
}

// Pending reports whether the download agent has not fetched the file yet.
func (r FileRecord) Pending() bool {
	return r.DownloadStatus != DownloadStatusSuccess
}

// AwaitingImport reports whether the file is downloaded but not yet imported.
func (r FileRecord) AwaitingImport() bool {
	return r.DownloadStatus == DownloadStatusSuccess && r.ImportStatus == ImportStatusNotFound
}

// Imported reports whether the import agent has processed the file.
func (r FileRecord) Imported() bool {
	return r.DownloadStatus == DownloadStatusSuccess && r.ImportStatus != ImportStatusNotFound
}

// CreatedOn reports whether the record was created on the given calendar day in loc.
func (r FileRecord) CreatedOn(day string, loc *time.Location) bool {
	return r.CreatedAt.In(loc).Format(DateLayout) == day
}
