package reports

import "time"

// Report phases written by the launcher and by runners.
const (
	PhaseInitializing = "initializing"
	PhaseStarted      = "started"
	PhaseInProgress   = "in_progress"
	PhaseFinished     = "finished"
	PhaseStopped      = "stopped"
	PhaseFailed       = "failed"
	PhaseAborted      = "aborted"
)

// Summary is the canonical report row, unique on (test_id, report_id).
type Summary struct {
	TestID            string    `gorm:"primaryKey" json:"test_id"`
	ReportID          string    `gorm:"primaryKey" json:"report_id"`
	RevisionID        string    `json:"revision_id"`
	JobID             string    `gorm:"index" json:"job_id"`
	TestType          string    `json:"test_type"`
	Phase             string    `json:"phase"`
	StartTime         time.Time `json:"start_time"`
	TestName          string    `json:"test_name"`
	TestDescription   string    `json:"test_description"`
	TestConfiguration string    `gorm:"type:text" json:"test_configuration"`
	Notes             string    `json:"notes"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
}

// TableName pins the canonical table name.
func (Summary) TableName() string {
	return "reports_summary"
}

// LastReport mirrors a Summary into the calendar month of its start time.
type LastReport struct {
	StartTimeYear     int    `gorm:"primaryKey;autoIncrement:false"`
	StartTimeMonth    int    `gorm:"primaryKey;autoIncrement:false"`
	TestID            string `gorm:"primaryKey"`
	ReportID          string `gorm:"primaryKey"`
	RevisionID        string
	JobID             string
	TestType          string
	Phase             string
	StartTime         time.Time `gorm:"index"`
	TestName          string
	TestDescription   string
	TestConfiguration string `gorm:"type:text"`
	Notes             string
	LastUpdatedAt     time.Time
}

// TableName pins the month-sharded table name.
func (LastReport) TableName() string {
	return "last_reports"
}

func newLastReport(s *Summary) *LastReport {
	year, month := shardOf(s.StartTime)

	return &LastReport{
		StartTimeYear:     year,
		StartTimeMonth:    month,
		TestID:            s.TestID,
		ReportID:          s.ReportID,
		RevisionID:        s.RevisionID,
		JobID:             s.JobID,
		TestType:          s.TestType,
		Phase:             s.Phase,
		StartTime:         s.StartTime,
		TestName:          s.TestName,
		TestDescription:   s.TestDescription,
		TestConfiguration: s.TestConfiguration,
		Notes:             s.Notes,
		LastUpdatedAt:     s.LastUpdatedAt,
	}
}

func (l *LastReport) summary() Summary {
	return Summary{
		TestID:            l.TestID,
		ReportID:          l.ReportID,
		RevisionID:        l.RevisionID,
		JobID:             l.JobID,
		TestType:          l.TestType,
		Phase:             l.Phase,
		StartTime:         l.StartTime,
		TestName:          l.TestName,
		TestDescription:   l.TestDescription,
		TestConfiguration: l.TestConfiguration,
		Notes:             l.Notes,
		LastUpdatedAt:     l.LastUpdatedAt,
	}
}

// Subscriber is one runner's latest reported state for a report.
type Subscriber struct {
	TestID      string  `gorm:"primaryKey"`
	ReportID    string  `gorm:"primaryKey"`
	RunnerID    string  `gorm:"primaryKey"`
	PhaseStatus string  `gorm:"not null"`
	LastStats   *string `gorm:"type:text"`
}

// TableName pins the subscriber table name.
func (Subscriber) TableName() string {
	return "report_subscribers"
}

// StatSample is one append-only stats row reported by a runner.
type StatSample struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	RunnerID    string    `gorm:"not null" json:"runner_id"`
	TestID      string    `gorm:"not null;index:idx_reports_stats_report,priority:1" json:"test_id"`
	ReportID    string    `gorm:"not null;index:idx_reports_stats_report,priority:2" json:"report_id"`
	StatsID     string    `gorm:"not null" json:"stats_id"`
	StatsTime   time.Time `gorm:"index" json:"stats_time"`
	PhaseIndex  int       `json:"phase_index"`
	PhaseStatus string    `json:"phase_status"`
	Data        string    `gorm:"type:text" json:"data"`
}

// TableName pins the stats ledger table name.
func (StatSample) TableName() string {
	return "reports_stats"
}

// SubscriberView is a subscriber with its last stats decoded.
type SubscriberView struct {
	RunnerID    string `json:"runner_id"`
	PhaseStatus string `json:"phase_status"`
	LastStats   *Stats `json:"last_stats"`

	// DecodeError is set instead of LastStats when the stored payload
	// could not be decoded.
	DecodeError string `json:"decode_error,omitempty"`
}

// Report is a Summary joined with its subscribers.
type Report struct {
	Summary
	Subscribers []SubscriberView `json:"subscribers"`
}
