package models

// These structs define the JSON payloads exchanged with the remote pipeline
// gateway and the build workflow.

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Files []FileRecord `json:"files"`
}

// BuildTaskRequest is the body of POST /build-task and the argument of the
// build workflow execution.
type BuildTaskRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// ImportRequest is the body of POST /import.
type ImportRequest struct {
	Files []FileRecord `json:"files"`
}

// ImportResponse carries the imported records with their updated import status.
type ImportResponse struct {
	Files []FileRecord `json:"files"`
}

// AckResponse is the acknowledgement returned by trigger endpoints. Its content
// is informational only.
type AckResponse struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}
