package model

import "time"

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// ErrorKind classifies an entry in a run's error log.
type ErrorKind string

const (
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindPersistence ErrorKind = "persistence"
	ErrorKindFatal       ErrorKind = "fatal"
	ErrorKindCancelled   ErrorKind = "cancelled"
)

// Stats are the counters every stage updates.
type Stats struct {
	ItemsRead    int `json:"items_read"`
	ItemsWritten int `json:"items_written"`
	ItemsSkipped int `json:"items_skipped"`
	ItemsFailed  int `json:"items_failed"`
}

// Add returns the element-wise sum.
func (s Stats) Add(d Stats) Stats {
	return Stats{
		ItemsRead:    s.ItemsRead + d.ItemsRead,
		ItemsWritten: s.ItemsWritten + d.ItemsWritten,
		ItemsSkipped: s.ItemsSkipped + d.ItemsSkipped,
		ItemsFailed:  s.ItemsFailed + d.ItemsFailed,
	}
}

// RunError is one append-only entry in a run's error log.
type RunError struct {
	Stage   string    `json:"stage"`
	ItemRef string    `json:"item_ref,omitempty"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusAborted  StageStatus = "aborted"
	StageStatusStopped  StageStatus = "stopped"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult reports what one stage did.
type StageResult struct {
	Name     string      `json:"name"`
	Status   StageStatus `json:"status"`
	Batches  int         `json:"batches"`
	Stats    Stats       `json:"stats"`
	Duration int64       `json:"duration_ms"`
	Error    string      `json:"error,omitempty"`
}

// RunSummary is returned to callers and recorded as pipeline history.
type RunSummary struct {
	RunID        string        `json:"run_id"`
	PipelineName string        `json:"pipeline_name"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
	Stats        Stats         `json:"stats"`
	Errors       []RunError    `json:"errors"`
	Status       RunStatus     `json:"status"`
	Stages       []StageResult `json:"stages,omitempty"`
	Resumed      bool          `json:"resumed,omitempty"`
	Stopped      bool          `json:"stopped,omitempty"`
}

// PipelineStatus is the shared single-flight record for one pipeline name.
type PipelineStatus struct {
	Pipeline      string     `json:"pipeline"`
	IsRunning     bool       `json:"is_running"`
	RunID         string     `json:"run_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	StopRequested bool       `json:"stop_requested"`
	LastStatus    RunStatus  `json:"last_status,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Checkpoint stores serialized run state for resume after a crash.
type Checkpoint struct {
	Pipeline  string    `json:"pipeline"`
	RunID     string    `json:"run_id"`
	Offset    int       `json:"offset"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}
