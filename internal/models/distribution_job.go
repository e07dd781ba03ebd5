package models

import (
	"encoding/json"
	"time"
)

// DistributionJob status values. Terminal states are sent, and failed after
// retries are exhausted or the job was cancelled (last_error = "cancelled").
const (
	JobQueued  = "queued"
	JobSending = "sending"
	JobSent    = "sent"
	JobFailed  = "failed"
)

// JobCancelledReason is recorded in LastError when a job is cancelled.
const JobCancelledReason = "cancelled"

// DistributionJob is one outbound delivery batch for a repository. Targets
// are member ids stored in insertion order; delivery order within a job
// follows that order.
type DistributionJob struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	BatchKey        string    `gorm:"size:36;index;not null" json:"batch_key"`
	RepositoryID    uint      `gorm:"index;not null" json:"repository_id"`
	TargetMemberIDs string    `gorm:"type:text" json:"-"`
	Status          string    `gorm:"size:20;default:queued;index" json:"status"`
	Attempts        int       `gorm:"default:0" json:"attempts"`
	LastError       string    `gorm:"size:500" json:"last_error,omitempty"`
	CancelRequested bool      `gorm:"default:false" json:"cancel_requested"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (DistributionJob) TableName() string { return "distribution_jobs" }

// SetTargets encodes the target member ids, preserving order.
func (j *DistributionJob) SetTargets(memberIDs []uint) error {
	data, err := json.Marshal(memberIDs)
	if err != nil {
		return err
	}
	j.TargetMemberIDs = string(data)
	return nil
}

// Targets decodes the target member ids in insertion order.
func (j *DistributionJob) Targets() ([]uint, error) {
	if j.TargetMemberIDs == "" {
		return nil, nil
	}
	var ids []uint
	if err := json.Unmarshal([]byte(j.TargetMemberIDs), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Terminal reports whether the job has reached a final state.
func (j *DistributionJob) Terminal() bool {
	return j.Status == JobSent || j.Status == JobFailed
}
