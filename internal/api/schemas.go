package api

import (
	"time"

	"github.com/clipcut/clipcut-agent/internal/export"
	"github.com/clipcut/clipcut-agent/internal/history"
	"github.com/clipcut/clipcut-agent/internal/plan"
	"github.com/clipcut/clipcut-agent/internal/probe"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type OpenFileRequest struct {
	Path string `json:"path"`
}

type OpenFileResponse struct {
	Path  string `json:"path"`
	State string `json:"state"`
}

// IndexResponse carries the probe state and, once ready, the index.
type IndexResponse struct {
	Path  string             `json:"path"`
	State string             `json:"state"`
	Error string             `json:"error,omitempty"`
	Index *probe.StreamIndex `json:"index,omitempty"`
}

type ResolveResponse struct {
	Streams     []plan.StreamCut `json:"streams"`
	Diagnostics []string         `json:"diagnostics,omitempty"`
}

// ExportRequest starts an export. Either output_path, or output_dir
// with an optional name (derived from the source when omitted).
type ExportRequest struct {
	Plan       plan.EditPlan `json:"plan"`
	OutputPath string        `json:"output_path,omitempty"`
	OutputDir  string        `json:"output_dir,omitempty"`
	Name       string        `json:"name,omitempty"`
}

type ExportStartedResponse struct {
	JobID      string `json:"job_id"`
	OutputPath string `json:"output_path"`
}

type JobResponse struct {
	ID           string   `json:"id"`
	SourcePath   string   `json:"source_path"`
	OutputPath   string   `json:"output_path"`
	OutputFormat string   `json:"output_format"`
	State        string   `json:"state"`
	Progress     float64  `json:"progress"`
	Error        string   `json:"error,omitempty"`
	Diagnostics  []string `json:"diagnostics,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

type ExportHistoryResponse struct {
	Exports []*history.ExportRecord `json:"exports"`
}

type RecentFilesResponse struct {
	Files []*history.RecentFile `json:"files"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func SnapshotToResponse(s export.Snapshot) JobResponse {
	return JobResponse{
		ID:           s.ID,
		SourcePath:   s.SourcePath,
		OutputPath:   s.OutputPath,
		OutputFormat: s.OutputFormat,
		State:        s.State,
		Progress:     s.Progress,
		Error:        s.Error,
		Diagnostics:  s.Diagnostics,
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
	}
}
