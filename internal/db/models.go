package db

import (
	"time"

	"gorm.io/datatypes"
)

// Experiment statuses. Only RUNNING experiments participate in
// assignment; DRAFT and ENDED rows are kept for audit.
const (
	ExperimentStatusDraft   = "DRAFT"
	ExperimentStatusRunning = "RUNNING"
	ExperimentStatusEnded   = "ENDED"
)

// RollupRun statuses.
const (
	RollupRunStatusRunning = "RUNNING"
	RollupRunStatusSuccess = "SUCCESS"
	RollupRunStatusFailed  = "FAILED"
)

// Load-test phases and statuses.
const (
	LoadTestPhaseBaseline       = "BASELINE"
	LoadTestPhasePostMitigation = "POST_MITIGATION"

	LoadTestStatusRunning = "RUNNING"
	LoadTestStatusSuccess = "SUCCESS"
	LoadTestStatusFailed  = "FAILED"
)

// Experiment is reference data owned by an external admin process; this
// service consumes it read-only.
type Experiment struct {
	ExperimentID string `gorm:"primaryKey"`

	Status  string `gorm:"index;not null"`
	StartAt *time.Time
	EndAt   *time.Time

	// Targeting holds the structured rule set evaluated per request.
	// NULL or {} means the experiment targets everyone.
	Targeting datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Variants []Variant `gorm:"foreignKey:ExperimentID;references:ExperimentID"`
}

// Variant belongs to exactly one experiment. Weight is relative, not
// normalized; Config is the partial configuration merged onto the
// baseline when this variant is assigned.
type Variant struct {
	ID uint `gorm:"primaryKey"`

	ExperimentID string `gorm:"uniqueIndex:idx_variant_unique,priority:1;not null"`
	VariantID    string `gorm:"uniqueIndex:idx_variant_unique,priority:2;not null"`

	VariantName string
	Weight      float64 `gorm:"not null"`
	IsControl   bool
	Config      datatypes.JSONMap `gorm:"type:jsonb"`
}

// Assignment is the durable sticky record of which variant a user
// received for an experiment. At most one row ever exists per
// (anonymous_user_id, experiment_id); rows are created once and never
// mutated.
type Assignment struct {
	ID uint `gorm:"primaryKey"`

	AnonymousUserID string `gorm:"uniqueIndex:idx_assignment_user_experiment,priority:1;index;not null"`
	ExperimentID    string `gorm:"uniqueIndex:idx_assignment_user_experiment,priority:2;not null"`
	VariantID       string `gorm:"not null"`

	AssignmentVersion int `gorm:"not null"`

	// Context snapshots the request (platform, app_version, session and
	// install ids) at the time of first assignment.
	Context datatypes.JSONMap `gorm:"type:jsonb"`

	AssignedAt time.Time `gorm:"autoCreateTime;index"`
}

// EventLog is an accepted behavioral event. Immutable once written;
// duplicate submissions are dropped on the event_id unique index.
type EventLog struct {
	ID uint `gorm:"primaryKey"`

	EventID         string `gorm:"uniqueIndex;not null"`
	AnonymousUserID string `gorm:"index;not null"`
	SessionID       string
	InstallID       string
	Platform        string
	AppVersion      string

	EventName  string    `gorm:"index;not null"`
	OccurredAt time.Time `gorm:"index;not null"`
	SentAt     *time.Time
	ReceivedAt time.Time `gorm:"not null"`

	Properties datatypes.JSONMap `gorm:"type:jsonb"`
	Context    datatypes.JSONMap `gorm:"type:jsonb"`

	// Snapshot of the user's assignments for RUNNING experiments at
	// ingestion time. Assignments is an array of
	// {experiment_id, variant_id, variant_name}; ExperimentMap maps
	// experiment_id -> variant_id for cheap slicing in rollup SQL.
	AssignmentVersion *int
	Assignments       datatypes.JSON    `gorm:"type:jsonb"`
	ExperimentMap     datatypes.JSONMap `gorm:"type:jsonb"`

	SchemaVersion int `gorm:"not null"`
}

// RollupRun is one row per execution of an aggregation job, used for
// auditing and for the overlap checks that gate the load-test harness.
type RollupRun struct {
	ID uint `gorm:"primaryKey"`

	JobName string `gorm:"index;not null"`
	Status  string `gorm:"index;not null"`

	WindowStart time.Time `gorm:"not null"`
	WindowEnd   time.Time `gorm:"not null"`

	StartedAt  time.Time `gorm:"autoCreateTime"`
	FinishedAt *time.Time

	RowsWritten  int
	IgnoredCount int
	ErrorText    string
}

// DailyMetricRollup holds one windowed aggregate value keyed by
// (day, metric_name, dimension_key); re-running a job overwrites.
type DailyMetricRollup struct {
	ID uint `gorm:"primaryKey"`

	Day          time.Time `gorm:"uniqueIndex:idx_daily_metric_unique,priority:1;not null"`
	MetricName   string    `gorm:"uniqueIndex:idx_daily_metric_unique,priority:2;not null"`
	DimensionKey string    `gorm:"uniqueIndex:idx_daily_metric_unique,priority:3;not null;default:overall"`

	Dimensions datatypes.JSONMap `gorm:"type:jsonb"`
	Value      float64           `gorm:"not null"`
	ComputedAt time.Time         `gorm:"autoCreateTime"`
}

// ExperimentMetricRollup is the per-(experiment, variant, day) aggregate.
type ExperimentMetricRollup struct {
	ID uint `gorm:"primaryKey"`

	Day          time.Time `gorm:"uniqueIndex:idx_experiment_metric_unique,priority:1;not null"`
	ExperimentID string    `gorm:"uniqueIndex:idx_experiment_metric_unique,priority:2;not null"`
	VariantID    string    `gorm:"uniqueIndex:idx_experiment_metric_unique,priority:3;not null"`
	MetricName   string    `gorm:"uniqueIndex:idx_experiment_metric_unique,priority:4;not null"`

	Dimensions datatypes.JSONMap `gorm:"type:jsonb"`
	Value      float64           `gorm:"not null"`
	ComputedAt time.Time         `gorm:"autoCreateTime"`
}

// FunnelRollup is the per-(day, funnel, step, dimension) aggregate. The
// dimension key is "overall" or "{experiment_id}:{variant_id}".
type FunnelRollup struct {
	ID uint `gorm:"primaryKey"`

	Day          time.Time `gorm:"uniqueIndex:idx_funnel_unique,priority:1;not null"`
	FunnelName   string    `gorm:"uniqueIndex:idx_funnel_unique,priority:2;not null"`
	StepName     string    `gorm:"uniqueIndex:idx_funnel_unique,priority:3;not null"`
	DimensionKey string    `gorm:"uniqueIndex:idx_funnel_unique,priority:4;not null"`

	ExperimentID *string
	VariantID    *string

	UsersCount  int64 `gorm:"not null"`
	EventsCount int64 `gorm:"not null"`

	ComputedAt time.Time `gorm:"autoCreateTime"`
}

// LoadTestRun is bookkeeping written by the external load-test harness;
// this service stores it and serves the read/compare queries.
type LoadTestRun struct {
	ID string `gorm:"primaryKey"`

	RunName      string `gorm:"index"`
	ScenarioName string `gorm:"index"`
	Phase        string `gorm:"index"`
	Status       string `gorm:"index"`

	TargetBaseURL string
	GitSHA        string
	Notes         string
	ArtifactsPath string
	Tags          datatypes.JSONMap `gorm:"type:jsonb"`

	StartedAt  time.Time `gorm:"index"`
	EndedAt    *time.Time
	DurationMs int64
	ErrorText  string

	EndpointMetrics []LoadTestEndpointMetric `gorm:"foreignKey:RunID"`
	DataChecks      []LoadTestDataCheck      `gorm:"foreignKey:RunID"`
}

// LoadTestEndpointMetric is one endpoint's latency/error summary for a run.
type LoadTestEndpointMetric struct {
	ID    uint   `gorm:"primaryKey"`
	RunID string `gorm:"index;not null"`

	Endpoint string `gorm:"not null"`
	Method   string `gorm:"not null"`

	RequestsTotal int64
	SuccessCount  int64
	ErrorCount    int64
	TimeoutCount  int64
	ErrorRate     *float64

	MinMs  float64
	MaxMs  float64
	MeanMs float64
	P50Ms  float64
	P95Ms  float64
	P99Ms  float64
	RPS    float64

	ResponseCodes datatypes.JSONMap `gorm:"type:jsonb"`
}

// LoadTestDataCheck is one data-quality gate result for a run.
type LoadTestDataCheck struct {
	ID    uint   `gorm:"primaryKey"`
	RunID string `gorm:"index;not null"`

	CheckName     string `gorm:"not null"`
	Passed        bool   `gorm:"not null"`
	ObservedValue *float64
	Details       datatypes.JSONMap `gorm:"type:jsonb"`

	CheckedAt time.Time `gorm:"autoCreateTime"`
}
