package scheduler

import (
	"time"

	"github.com/ethpandaops/loadoor/pkg/launcher"
)

// Job definition states. Triggering is transient and never persisted.
const (
	StateScheduled = "scheduled"
	StateArmed     = "armed"
	StateCompleted = "completed"
)

// JobDefinition is a persisted one-shot or cron schedule plus the run
// parameters handed to the launcher on every trigger.
type JobDefinition struct {
	ID                string            `gorm:"primaryKey" json:"id"`
	TestID            string            `gorm:"not null;index" json:"test_id"`
	CronExpression    string            `json:"cron_expression,omitempty"`
	RunImmediately    bool              `json:"run_immediately"`
	ArrivalRate       int               `json:"arrival_rate"`
	RampTo            int               `json:"ramp_to,omitempty"`
	Duration          int               `json:"duration"`
	Environment       string            `json:"environment"`
	Parallelism       int               `json:"parallelism"`
	MaxVirtualUsers   int               `json:"max_virtual_users,omitempty"`
	TestType          string            `json:"test_type,omitempty"`
	TestName          string            `json:"test_name,omitempty"`
	TestDescription   string            `json:"test_description,omitempty"`
	TestConfiguration string            `gorm:"type:text" json:"test_configuration,omitempty"`
	RevisionID        string            `json:"revision_id,omitempty"`
	Notes             string            `json:"notes,omitempty"`
	CustomEnvVars     map[string]string `gorm:"serializer:json" json:"custom_env_vars,omitempty"`
	State             string            `gorm:"not null;index" json:"state"`
	CreatedAt         time.Time         `json:"created_at"`
}

// TableName pins the job definition table name.
func (JobDefinition) TableName() string {
	return "jobs"
}

// IsCron reports whether the definition recurs.
func (j *JobDefinition) IsCron() bool {
	return j.CronExpression != ""
}

func (j *JobDefinition) request() *launcher.Request {
	return &launcher.Request{
		JobID:             j.ID,
		TestID:            j.TestID,
		RevisionID:        j.RevisionID,
		TestType:          j.TestType,
		TestName:          j.TestName,
		TestDescription:   j.TestDescription,
		TestConfiguration: j.TestConfiguration,
		Environment:       j.Environment,
		ArrivalRate:       j.ArrivalRate,
		RampTo:            j.RampTo,
		Duration:          j.Duration,
		Parallelism:       j.Parallelism,
		MaxVirtualUsers:   j.MaxVirtualUsers,
		Notes:             j.Notes,
		CustomEnvVars:     j.CustomEnvVars,
	}
}

// Run records one successful trigger of a job definition.
type Run struct {
	RunID     string    `gorm:"primaryKey" json:"run_id"`
	JobID     string    `gorm:"not null;index:idx_job_runs_job,priority:1" json:"job_id"`
	TestID    string    `gorm:"not null" json:"test_id"`
	CreatedAt time.Time `gorm:"index:idx_job_runs_job,priority:2" json:"created_at"`
}

// TableName pins the run ledger table name.
func (Run) TableName() string {
	return "job_runs"
}

// RunStatus is the most recent run of a job with its current phase.
type RunStatus struct {
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is a definition as returned by GetJob.
type Job struct {
	JobDefinition

	LastRun *RunStatus `json:"last_run,omitempty"`
}

// CreatedJob is a newly created definition and the run it triggered, if
// any.
type CreatedJob struct {
	JobDefinition

	RunID string `json:"run_id,omitempty"`
}
