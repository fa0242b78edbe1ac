// Package history persists export outcomes and recently opened files so
// the GUI can show them across agent restarts.
package history

import "time"

// ExportRecord is one export's persisted lifecycle row. Progress is a
// whole percentage; Diagnostics carries the resolver's snap notes.
type ExportRecord struct {
	ID           string    `json:"id"`
	SourcePath   string    `json:"source_path"`
	OutputPath   string    `json:"output_path"`
	OutputFormat string    `json:"output_format"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	Error        string    `json:"error,omitempty"`
	Diagnostics  []string  `json:"diagnostics,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RecentFile is one entry of the recently-opened list.
type RecentFile struct {
	Path         string    `json:"path"`
	Format       string    `json:"format,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	LastOpenedAt time.Time `json:"last_opened_at"`
}
