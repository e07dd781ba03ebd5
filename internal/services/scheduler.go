package services

import (
	"time"

	"github.com/google/uuid"
	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/pkg/logger"
	"gorm.io/gorm"
)

// Scheduler turns approved members into durable distribution jobs and hands
// them to the task queue. Job rows are written before enqueue so a crash
// between the two leaves a replayable record, never a lost batch.
type Scheduler struct {
	db        *gorm.DB
	queue     TaskQueue
	events    Publisher
	batchSize int
}

func NewScheduler(db *gorm.DB, queue TaskQueue, events Publisher, batchSize int) *Scheduler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{
		db:        db,
		queue:     queue,
		events:    events,
		batchSize: batchSize,
	}
}

// ScheduleMembers splits member ids into batches and creates one queued job
// per batch. Batch size is capped by both the scheduler's configured size and
// the repository's per-upload cap. Target order inside each job preserves the
// caller's insertion order.
func (s *Scheduler) ScheduleMembers(repo *models.Repository, memberIDs []uint) ([]models.DistributionJob, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}

	size := s.batchSize
	if repo.MaxEmailsPerUpload > 0 && repo.MaxEmailsPerUpload < size {
		size = repo.MaxEmailsPerUpload
	}

	var jobs []models.DistributionJob
	for start := 0; start < len(memberIDs); start += size {
		end := start + size
		if end > len(memberIDs) {
			end = len(memberIDs)
		}

		job := models.DistributionJob{
			BatchKey:     uuid.NewString(),
			RepositoryID: repo.ID,
			Status:       models.JobQueued,
			ScheduledAt:  time.Now(),
		}
		if err := job.SetTargets(memberIDs[start:end]); err != nil {
			return jobs, err
		}
		if err := s.db.Create(&job).Error; err != nil {
			return jobs, err
		}

		if err := s.queue.Enqueue(&DeliveryTask{
			JobID:        job.ID,
			RepositoryID: repo.ID,
			BatchKey:     job.BatchKey,
		}); err != nil {
			// The row stays queued; the sweeper's requeue pass replays it.
			logger.Error().Err(err).Uint("job_id", job.ID).Msg("failed to enqueue distribution job")
			return jobs, err
		}

		logger.Info().
			Uint("job_id", job.ID).
			Str("batch_key", job.BatchKey).
			Uint("repository_id", repo.ID).
			Int("targets", end-start).
			Msg("distribution job scheduled")

		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Cancel requests cancellation of a job. A still-queued job fails
// immediately; a sending job finishes its in-flight recipient and stops at
// the next checkpoint.
func (s *Scheduler) Cancel(jobID uint) (*models.DistributionJob, error) {
	var job models.DistributionJob
	if err := s.db.First(&job, jobID).Error; err != nil {
		return nil, err
	}
	if job.Terminal() {
		return &job, nil
	}

	updates := map[string]interface{}{"cancel_requested": true}
	if job.Status == models.JobQueued {
		updates["status"] = models.JobFailed
		updates["last_error"] = models.JobCancelledReason
	}
	if err := s.db.Model(&job).Updates(updates).Error; err != nil {
		return nil, err
	}

	if job.Status == models.JobFailed {
		s.events.Publish(EventJobCompleted, job.RepositoryID, JobCompletedPayload{
			JobID:     job.ID,
			BatchKey:  job.BatchKey,
			Status:    models.JobFailed,
			LastError: models.JobCancelledReason,
		})
	}
	return &job, nil
}

// GetJob fetches a distribution job by id.
func (s *Scheduler) GetJob(jobID uint) (*models.DistributionJob, error) {
	var job models.DistributionJob
	if err := s.db.First(&job, jobID).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns a repository's distribution jobs, newest first, paginated.
func (s *Scheduler) ListJobs(repositoryID uint, page, pageSize int) ([]models.DistributionJob, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := s.db.Model(&models.DistributionJob{}).Where("repository_id = ?", repositoryID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []models.DistributionJob
	err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&jobs).Error
	return jobs, total, err
}
