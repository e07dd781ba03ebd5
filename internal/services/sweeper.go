package services

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/pkg/logger"
	"gorm.io/gorm"
)

// staleJobAfter is how long a non-terminal distribution job may sit without
// an update before the requeue sweep replays it.
const staleJobAfter = 15 * time.Minute

// Sweeper runs the periodic maintenance jobs: expiring stale manual-review
// candidates, purging dedup records that have aged past their repository's
// window, reconciling member counters, and replaying distribution jobs that
// never reached a terminal state.
type Sweeper struct {
	db        *gorm.DB
	store     *MembershipStore
	events    Publisher
	queue     TaskQueue
	cron      *cron.Cron
	reviewTTL time.Duration
}

func NewSweeper(db *gorm.DB, store *MembershipStore, events Publisher, queue TaskQueue, reviewTTLHours int) *Sweeper {
	if reviewTTLHours <= 0 {
		reviewTTLHours = 168
	}
	return &Sweeper{
		db:        db,
		store:     store,
		events:    events,
		queue:     queue,
		cron:      cron.New(),
		reviewTTL: time.Duration(reviewTTLHours) * time.Hour,
	}
}

// Start registers the schedules and starts the cron runner.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@hourly", func() {
		if err := s.ExpirePendingCandidates(); err != nil {
			logger.Error().Err(err).Msg("candidate expiry sweep failed")
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc("*/10 * * * *", func() {
		if err := s.RequeueStaleJobs(); err != nil {
			logger.Error().Err(err).Msg("stale job requeue sweep failed")
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc("0 3 * * *", func() {
		if err := s.PurgeExpiredDedupRecords(); err != nil {
			logger.Error().Err(err).Msg("dedup purge sweep failed")
		}
		if err := s.ReconcileCounters(); err != nil {
			logger.Error().Err(err).Msg("counter reconcile sweep failed")
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	logger.Infof("[Sweeper] Maintenance schedules started")
	return nil
}

// Stop halts the cron runner and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Infof("[Sweeper] Stopped")
}

// ExpirePendingCandidates transitions pending candidates older than the
// review TTL to expired and publishes a decision event for each.
func (s *Sweeper) ExpirePendingCandidates() error {
	cutoff := time.Now().Add(-s.reviewTTL)

	var stale []models.Candidate
	if err := s.db.Where("status = ? AND created_at < ?", models.CandidatePending, cutoff).
		Find(&stale).Error; err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	now := time.Now()
	for i := range stale {
		cand := &stale[i]
		res := s.db.Model(&models.Candidate{}).
			Where("id = ? AND status = ?", cand.ID, models.CandidatePending).
			Updates(map[string]interface{}{
				"status":        models.CandidateExpired,
				"reject_reason": models.ReasonReviewExpired,
				"decided_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Decided by a reviewer between the read and the write.
			continue
		}

		s.events.Publish(EventCandidateDecided, cand.RepositoryID, CandidateDecidedPayload{
			CandidateID: cand.ID,
			Email:       cand.Email,
			Status:      models.CandidateExpired,
			Reason:      models.ReasonReviewExpired,
			Score:       cand.QualityScore,
			HopDepth:    cand.HopDepth,
		})
	}

	logger.Info().Int("expired", len(stale)).Msg("pending candidates expired")
	return nil
}

// RequeueStaleJobs replays distribution jobs that have sat non-terminal past
// the staleness threshold: jobs whose enqueue failed, or jobs whose worker
// died mid-batch. A stale sending job goes back to queued before replay; the
// dispatcher skips members it already stamped, so replay never double-sends.
func (s *Sweeper) RequeueStaleJobs() error {
	if s.queue == nil {
		return nil
	}
	cutoff := time.Now().Add(-staleJobAfter)

	var stale []models.DistributionJob
	if err := s.db.
		Where("status IN ? AND updated_at < ?", []string{models.JobQueued, models.JobSending}, cutoff).
		Find(&stale).Error; err != nil {
		return err
	}

	for i := range stale {
		job := &stale[i]

		if job.CancelRequested {
			if err := s.db.Model(job).Updates(map[string]interface{}{
				"status":     models.JobFailed,
				"last_error": models.JobCancelledReason,
			}).Error; err != nil {
				return err
			}
			s.events.Publish(EventJobCompleted, job.RepositoryID, JobCompletedPayload{
				JobID:     job.ID,
				BatchKey:  job.BatchKey,
				Status:    models.JobFailed,
				LastError: models.JobCancelledReason,
			})
			continue
		}

		if job.Status == models.JobSending {
			if err := s.db.Model(job).Update("status", models.JobQueued).Error; err != nil {
				return err
			}
		}
		if err := s.queue.Enqueue(&DeliveryTask{
			JobID:        job.ID,
			RepositoryID: job.RepositoryID,
			BatchKey:     job.BatchKey,
		}); err != nil {
			return err
		}
		logger.Info().
			Uint("job_id", job.ID).
			Str("batch_key", job.BatchKey).
			Msg("stale distribution job requeued")
	}
	return nil
}

// PurgeExpiredDedupRecords deletes dedup mirror rows older than each
// repository's window. Redis keys expire on their own; this keeps the
// database mirror from growing without bound.
func (s *Sweeper) PurgeExpiredDedupRecords() error {
	var repos []models.Repository
	if err := s.db.Find(&repos).Error; err != nil {
		return err
	}

	var purged int64
	for i := range repos {
		cutoff := time.Now().Add(-repos[i].DedupWindow())
		res := s.db.Where("repository_id = ? AND last_contacted_at < ?", repos[i].ID, cutoff).
			Delete(&models.DedupRecord{})
		if res.Error != nil {
			return res.Error
		}
		purged += res.RowsAffected
	}

	if purged > 0 {
		logger.Info().Int64("purged", purged).Msg("expired dedup records removed")
	}
	return nil
}

// ReconcileCounters recomputes member counters from member rows for every
// repository.
func (s *Sweeper) ReconcileCounters() error {
	var ids []uint
	if err := s.db.Model(&models.Repository{}).Pluck("id", &ids).Error; err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.store.Recount(id); err != nil {
			return err
		}
	}
	return nil
}
