package domain

// ScanOptions travel with every scan message so each stage worker applies the
// same staleness and fan-out policy without shared state.
type ScanOptions struct {
	// StaleMaxAgeDays: nil means always refresh.
	StaleMaxAgeDays *int `json:"stale_max_age_days,omitempty"`
	// RefreshIntervalDays: nil means no minimum interval between refreshes.
	RefreshIntervalDays *int `json:"refresh_interval_days,omitempty"`
	// MaxWorksPerAuthor caps the work fan-out during ingest (0 = unlimited).
	MaxWorksPerAuthor int `json:"max_works_per_author,omitempty"`
	// Force bypasses the skip-gate on existing valid mappings.
	Force bool `json:"force,omitempty"`
}

// ScanJobMessage starts a library scan; consumed by the crawl worker.
type ScanJobMessage struct {
	BaseMessage
	TaskID        int64            `json:"task_id" validate:"required"`
	LibraryID     int64            `json:"library_id" validate:"required"`
	CalibreDBPath string           `json:"calibre_db_path" validate:"required"`
	CalibreDBFile string           `json:"calibre_db_file"`
	DataSource    DataSourceConfig `json:"data_source_config"`
	Options       ScanOptions      `json:"options"`
}

// AuthorTaskMessage carries one author through the per-author stages
// (match -> ingest -> link). MatchResult is nil until the match stage
// produces one.
type AuthorTaskMessage struct {
	BaseMessage
	TaskID          int64            `json:"task_id" validate:"required"`
	LibraryID       int64            `json:"library_id" validate:"required"`
	CalibreAuthorID int64            `json:"calibre_author_id"`
	AuthorName      string           `json:"author_name"`
	MatchResult     *MatchResult     `json:"match_result,omitempty"`
	Identifiers     *IdentifierSet   `json:"identifiers,omitempty"`
	DataSource      DataSourceConfig `json:"data_source_config"`
	Options         ScanOptions      `json:"options"`
}

// JobStageMessage drives the job-level stages (deduplicate, score,
// completion), published exactly once per library when the per-author
// counter drains.
type JobStageMessage struct {
	BaseMessage
	TaskID     int64            `json:"task_id" validate:"required"`
	LibraryID  int64            `json:"library_id" validate:"required"`
	DataSource DataSourceConfig `json:"data_source_config"`
	Options    ScanOptions      `json:"options"`
	// Failed carries the count of per-author failures observed upstream;
	// informational, the job still completes.
	Failed int64 `json:"failed,omitempty"`
}

// TaskMessage is the broker runtime's envelope on the task_jobs topic.
type TaskMessage struct {
	BaseMessage
	TaskID   int64          `json:"task_id" validate:"required"`
	UserID   int64          `json:"user_id"`
	Type     TaskType       `json:"type" validate:"required"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// MaxRuntimeSeconds bounds remote execution; 0 means unbounded.
	MaxRuntimeSeconds int `json:"max_runtime_seconds,omitempty"`
}
