package model

import (
	"fmt"
	"time"
)

// FileReference points at an already-uploaded blob. Only metadata lives
// here; the blob itself is owned by the external storage service.
type FileReference struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"type"`
	Size        int64     `json:"size"`
	URL         string    `json:"url,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// ContextLine renders the reference the way it is spliced into a prompt:
// [File: report.pdf - application/pdf - 1.25MB]
func (f FileReference) ContextLine() string {
	mb := float64(f.Size) / 1024 / 1024
	return fmt.Sprintf("[File: %s - %s - %.2fMB]", f.Name, f.ContentType, mb)
}
