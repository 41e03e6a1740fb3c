package pipeline

import (
	"time"

	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/store"
)

// Exit codes of a run.
const (
	ExitOK          = 0
	ExitFailures    = 1
	ExitInterrupted = 130
)

// Summary is the report of one run.
type Summary struct {
	RunID        string              `json:"run_id"`
	SessionID    string              `json:"session_id"`
	Target       content.Target      `json:"target"`
	Resumed      bool                `json:"resumed"`
	Status       store.SessionStatus `json:"status"`
	Discovered   int                 `json:"discovered"`
	NewItems     int                 `json:"new_items"`
	Requeued     int64               `json:"requeued_downloads,omitempty"`
	RetriedItems int64               `json:"retried_items,omitempty"`
	Passes       int                 `json:"passes"`
	Snapshot     store.Snapshot      `json:"snapshot"`
	Export       *ExportReport       `json:"export,omitempty"`
	PluginErrors []string            `json:"plugin_errors,omitempty"`
	Errors       []string            `json:"errors,omitempty"`
	Interrupted  bool                `json:"interrupted"`
	Duration     time.Duration       `json:"duration_ns"`
}

// ExitCode maps the summary to a process exit status: 0 only when the run
// finished with no failed item, no failed exporter and no run-level error.
func (s *Summary) ExitCode() int {
	switch {
	case s.Interrupted:
		return ExitInterrupted
	case s.Snapshot.FailedPosts > 0, len(s.Errors) > 0, s.Status == store.SessionFailed:
		return ExitFailures
	case s.Export != nil && len(s.Export.Failed()) > 0:
		return ExitFailures
	}
	return ExitOK
}
