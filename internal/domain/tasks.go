package domain

import "time"

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskType identifies a task handler. The string values are persisted and
// form part of the external contract.
type TaskType string

const (
	TaskBookUpload              TaskType = "book_upload"
	TaskMultiBookUpload         TaskType = "multi_book_upload"
	TaskBookConvert             TaskType = "book_convert"
	TaskBookStripDRM            TaskType = "book_strip_drm"
	TaskEmailSend               TaskType = "email_send"
	TaskMetadataBackup          TaskType = "metadata_backup"
	TaskThumbnailGenerate       TaskType = "thumbnail_generate"
	TaskLibraryScan             TaskType = "library_scan"
	TaskAuthorMetadataFetch     TaskType = "author_metadata_fetch"
	TaskOpenLibraryDumpDownload TaskType = "openlibrary_dump_download"
	TaskOpenLibraryDumpIngest   TaskType = "openlibrary_dump_ingest"
	TaskEpubFixSingle           TaskType = "epub_fix_single"
	TaskEpubFixBatch            TaskType = "epub_fix_batch"
	TaskEpubFixDailyScan        TaskType = "epub_fix_daily_scan"
	TaskIngestDiscovery         TaskType = "ingest_discovery"
	TaskIngestBook              TaskType = "ingest_book"
	TaskPVRDownloadMonitor      TaskType = "pvr_download_monitor"
	TaskProwlarrSync            TaskType = "prowlarr_sync"
	TaskIndexerHealthCheck      TaskType = "indexer_health_check"
)

// MaxErrorMessageLen bounds the persisted error_message column.
const MaxErrorMessageLen = 2000

// Task is a persisted unit of work with status and progress.
// Invariants: at most one of CompletedAt/CancelledAt is set; StartedAt
// precedes either; ErrorMessage is non-empty only when Status is failed.
type Task struct {
	ID           int64
	Type         TaskType
	Status       TaskStatus
	Progress     float64
	UserID       int64
	ErrorMessage string
	TaskData     map[string]any
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
}

// TaskStatistics aggregates terminal transitions per task type.
// Durations are seconds; the average is maintained incrementally.
type TaskStatistics struct {
	TaskType     TaskType
	TotalCount   int64
	SuccessCount int64
	FailureCount int64
	MinDuration  float64
	AvgDuration  float64
	MaxDuration  float64
	LastRunAt    *time.Time
}

// TaskFilter narrows ListTasks. Nil fields match everything.
type TaskFilter struct {
	UserID *int64
	Status *TaskStatus
	Type   *TaskType
	Limit  int
	Offset int
}

// TaskStore persists task rows, transitions, and statistics.
// Terminal transitions update the per-type statistics row atomically with
// the status change.
type TaskStore interface {
	CreateTask(ctx Context, typ TaskType, userID int64, data map[string]any) (Task, error)
	GetTask(ctx Context, id int64) (Task, error)
	ListTasks(ctx Context, f TaskFilter) ([]Task, error)
	// StartTask moves pending -> running and records started_at.
	StartTask(ctx Context, id int64) error
	// UpdateProgress writes progress and merges meta into task_data.
	UpdateProgress(ctx Context, id int64, progress float64, meta map[string]any) error
	CompleteTask(ctx Context, id int64) error
	// FailTask truncates msg to MaxErrorMessageLen.
	FailTask(ctx Context, id int64, msg string) error
	// CancelTask moves pending or running -> cancelled. Idempotent; the
	// returned bool reports whether the row actually changed.
	CancelTask(ctx Context, id int64) (bool, error)
	// GetStatistics returns all rows, or the one for typ when non-nil.
	GetStatistics(ctx Context, typ *TaskType) ([]TaskStatistics, error)
	// ListStaleRunning returns running tasks whose started_at is older than
	// cutoff, paginated for the sweeper.
	ListStaleRunning(ctx Context, cutoff time.Time, limit, offset int) ([]Task, error)
	// DeleteTerminalBefore removes terminal tasks created before cutoff and
	// returns the number of rows deleted. Used by the optional retention
	// cleanup; tasks are retained indefinitely unless it is enabled.
	DeleteTerminalBefore(ctx Context, cutoff time.Time) (int64, error)
}

// ScheduledJob is a cron definition stored in the database, separate from
// task rows.
type ScheduledJob struct {
	ID             int64
	JobName        string
	TaskType       TaskType
	CronExpression string
	Enabled        bool
	UserID         *int64
	Arguments      map[string]any
	JobMetadata    map[string]any
}

// ScheduleStore reads and seeds cron job definitions.
type ScheduleStore interface {
	ListEnabled(ctx Context) ([]ScheduledJob, error)
	// UpsertJob inserts or updates by job_name.
	UpsertJob(ctx Context, job ScheduledJob) error
}

// User is the minimal slice of the account model the runtime needs.
type User struct {
	ID      int64
	IsAdmin bool
}

// UserStore resolves the system user for scheduled work: the first admin,
// falling back to the first user.
type UserStore interface {
	SystemUser(ctx Context) (User, error)
}

// Library is a logical handle to an external Calibre catalog.
// At most one library is active at a time.
type Library struct {
	ID            int64
	Name          string
	CalibreDBPath string
	DBFile        string
	UUID          *string
	IsActive      bool
}

// LibraryStore persists library handles.
type LibraryStore interface {
	GetLibrary(ctx Context, id int64) (Library, error)
	ActiveLibrary(ctx Context) (Library, error)
	ListLibraries(ctx Context) ([]Library, error)
}
