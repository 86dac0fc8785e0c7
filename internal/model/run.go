package model

import "time"

// RunStatus represents the state of an import run.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusComplete   RunStatus = "complete"
	RunStatusFailed     RunStatus = "failed"
)

// Mode selects how the coordinator treats checkpoint, dedup, and sink state.
type Mode string

const (
	// ModeStreaming is the default full import with checkpointed resume.
	ModeStreaming Mode = "streaming"
	// ModeIncremental only delivers observations newer than the per-category
	// watermark, regardless of source file.
	ModeIncremental Mode = "incremental"
	// ModeForce ignores checkpoint, dedup, and watermark state and
	// redelivers everything.
	ModeForce Mode = "force"
	// ModePreview runs classify/parse/validate/dedup for statistics but
	// never touches the sink or persisted state.
	ModePreview Mode = "preview"
)

// ParseMode converts a mode string to a Mode, defaulting to streaming.
// "resume" is accepted as an alias for streaming, which resumes from the
// last checkpoint anyway.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeIncremental, ModeForce, ModePreview:
		return Mode(s)
	default:
		return ModeStreaming
	}
}

// CategoryStats holds per-category pipeline counters for one run.
type CategoryStats struct {
	Parsed            int64 `json:"parsed"`
	Malformed         int64 `json:"malformed"`
	ValidationDropped int64 `json:"validation_dropped"`
	DedupDropped      int64 `json:"dedup_dropped"`
	WatermarkSkipped  int64 `json:"watermark_skipped,omitempty"`
	ResumeSkipped     int64 `json:"resume_skipped,omitempty"`
	Written           int64 `json:"written"`
	Retries           int64 `json:"retries,omitempty"`
}

// RunStats aggregates counters for a whole run.
type RunStats struct {
	Categories map[Category]*CategoryStats `json:"categories"`
	// SkippedFragments counts structurally unparsable fragments the reader
	// stepped over.
	SkippedFragments int64 `json:"skipped_fragments"`
	// Unclassified counts elements whose type marker no parser recognizes.
	Unclassified int64 `json:"unclassified"`
}

// NewRunStats returns stats with an entry for every deliverable category.
func NewRunStats() *RunStats {
	s := &RunStats{Categories: make(map[Category]*CategoryStats, len(Categories()))}
	for _, c := range Categories() {
		s.Categories[c] = &CategoryStats{}
	}
	return s
}

// Category returns the stats bucket for c, creating it if needed.
func (s *RunStats) Category(c Category) *CategoryStats {
	cs, ok := s.Categories[c]
	if !ok {
		cs = &CategoryStats{}
		s.Categories[c] = cs
	}
	return cs
}

// TotalWritten sums written counts across categories.
func (s *RunStats) TotalWritten() int64 {
	var n int64
	for _, cs := range s.Categories {
		n += cs.Written
	}
	return n
}

// TotalMalformed sums malformed record counts across categories plus
// skipped fragments.
func (s *RunStats) TotalMalformed() int64 {
	n := s.SkippedFragments
	for _, cs := range s.Categories {
		n += cs.Malformed
	}
	return n
}

// ImportRun is the durable record of one import invocation, owned by the
// coordinator.
type ImportRun struct {
	ID          string     `json:"id"`
	SourceHash  string     `json:"source_hash"`
	SourcePath  string     `json:"source_path"`
	Mode        Mode       `json:"mode"`
	Status      RunStatus  `json:"status"`
	Stats       *RunStats  `json:"stats,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
