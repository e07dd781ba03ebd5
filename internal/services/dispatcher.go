package services

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"sync"
	"time"

	"github.com/threadloop/snowball/internal/config"
	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/pkg/logger"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// RetryPolicy is the per-recipient retry schedule: exponential backoff with
// a delay cap. MaxRetries counts total attempts, so MaxRetries=3 means three
// sends and never a fourth.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
}

// Delay returns the backoff before the given attempt (1-based; the first
// attempt has no delay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.InitialDelay
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func RetryPolicyFromConfig(cfg *config.DeliveryConfig) RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Duration(cfg.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.MaxDelayMS) * time.Millisecond,
		Multiplier:   cfg.BackoffMultiplier,
		MaxRetries:   cfg.MaxRetries,
	}
}

// Dispatcher executes distribution jobs: one invitation per target member,
// rate limited per repository, with retry/backoff and bounce handling.
// Successful delivery stamps the member and the dedup ledger; a bounced
// recipient never touches the ledger, so the address stays eligible for a
// future campaign.
type Dispatcher struct {
	db           *gorm.DB
	store        *MembershipStore
	ledger       DedupLedger
	transport    Transport
	events       Publisher
	policy       RetryPolicy
	attemptTO    time.Duration
	optInBaseURL string

	sendsPerMinute int
	sendBurst      int
	limitersMu     sync.Mutex
	limiters       map[uint]*rate.Limiter

	// Injection points for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewDispatcher(
	db *gorm.DB,
	store *MembershipStore,
	ledger DedupLedger,
	transport Transport,
	events Publisher,
	cfg *config.Config,
) *Dispatcher {
	return &Dispatcher{
		db:             db,
		store:          store,
		ledger:         ledger,
		transport:      transport,
		events:         events,
		policy:         RetryPolicyFromConfig(&cfg.Delivery),
		attemptTO:      time.Duration(cfg.Delivery.AttemptTimeoutSeconds) * time.Second,
		optInBaseURL:   cfg.SMTP.OptInBaseURL,
		sendsPerMinute: cfg.Delivery.SendsPerMinute,
		sendBurst:      cfg.Delivery.SendBurst,
		limiters:       make(map[uint]*rate.Limiter),
		sleep:          sleepCtx,
		now:            time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// limiter returns the per-repository send limiter, creating it on first use.
func (d *Dispatcher) limiter(repositoryID uint) *rate.Limiter {
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()

	if lim, ok := d.limiters[repositoryID]; ok {
		return lim
	}
	perMinute := d.sendsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	burst := d.sendBurst
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	d.limiters[repositoryID] = lim
	return lim
}

// ProcessDeliveryTask is the queue handler for a distribution job. A
// redelivered task for a terminal job is a no-op; a job still in the sending
// state is resumed, and members stamped on an earlier run are not re-sent.
// Errors returned from here mean infrastructure failure and trigger a
// queue-level retry of the whole task; per-recipient send failures are
// absorbed as bounces.
func (d *Dispatcher) ProcessDeliveryTask(ctx context.Context, task *DeliveryTask) error {
	var job models.DistributionJob
	if err := d.db.First(&job, task.JobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn().Uint("job_id", task.JobID).Msg("delivery task for unknown job, dropping")
			return nil
		}
		return err
	}
	if job.Terminal() {
		logger.Info().Uint("job_id", job.ID).Str("status", job.Status).Msg("job already finished, skipping")
		return nil
	}
	if job.Status == models.JobSending {
		logger.Info().Uint("job_id", job.ID).Int("attempts", job.Attempts).Msg("resuming interrupted distribution job")
	}
	if job.CancelRequested {
		return d.finishJob(&job, models.JobFailed, models.JobCancelledReason, 0, 0)
	}

	var repo models.Repository
	if err := d.db.First(&repo, job.RepositoryID).Error; err != nil {
		return err
	}

	targets, err := job.Targets()
	if err != nil {
		return d.finishJob(&job, models.JobFailed, "malformed target list", 0, 0)
	}

	if err := d.db.Model(&job).Updates(map[string]interface{}{
		"status":   models.JobSending,
		"attempts": gorm.Expr("attempts + 1"),
	}).Error; err != nil {
		return err
	}

	delivered, bounced := 0, 0
	lim := d.limiter(repo.ID)

	for _, memberID := range targets {
		// Cancellation checkpoint between recipients.
		if cancelled, err := d.cancelRequested(job.ID); err != nil {
			return err
		} else if cancelled {
			return d.finishJob(&job, models.JobFailed, models.JobCancelledReason, delivered, bounced)
		}

		member, err := d.store.Get(memberID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return err
		}
		if !member.Deliverable() {
			continue
		}
		if member.LastContactedAt != nil {
			// Already stamped, by an interrupted run of this job or an
			// earlier campaign. Re-sending would double-contact.
			delivered++
			continue
		}

		if err := lim.Wait(ctx); err != nil {
			return err
		}

		ok, err := d.deliverWithRetries(ctx, &repo, member, job.ID)
		if err != nil {
			// Context cancellation or a cancel checkpoint hit mid-retry.
			if errors.Is(err, errJobCancelled) {
				return d.finishJob(&job, models.JobFailed, models.JobCancelledReason, delivered, bounced)
			}
			return err
		}
		if ok {
			delivered++
		} else {
			bounced++
		}
	}

	return d.finishJob(&job, models.JobSent, "", delivered, bounced)
}

var errJobCancelled = errors.New("job cancelled")

// deliverWithRetries attempts one recipient up to MaxRetries total sends.
// Returns (true, nil) on delivery, (false, nil) on bounce. Permanent SMTP
// failures (5xx) bounce immediately; transient failures back off and retry.
func (d *Dispatcher) deliverWithRetries(ctx context.Context, repo *models.Repository, member *models.Member, jobID uint) (bool, error) {
	subject := BuildInviteSubject(repo)
	body := BuildInviteBody(repo, member, d.optInBaseURL)

	maxAttempts := d.policy.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if cancelled, err := d.cancelRequested(jobID); err != nil {
				return false, err
			} else if cancelled {
				return false, errJobCancelled
			}
			if err := d.sleep(ctx, d.policy.Delay(attempt)); err != nil {
				return false, err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTO)
		err := d.transport.Send(attemptCtx, member.Email, subject, body)
		cancel()

		if err == nil {
			return true, d.recordDelivered(ctx, repo, member)
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			return false, err
		}
		if isPermanentSendError(err) {
			logger.Warn().Err(err).
				Uint("member_id", member.ID).
				Str("email", member.Email).
				Msg("permanent delivery failure, bouncing")
			return false, d.recordBounced(member)
		}

		logger.Info().Err(err).
			Uint("member_id", member.ID).
			Int("attempt", attempt).
			Msg("transient delivery failure")
	}

	logger.Warn().Err(lastErr).
		Uint("member_id", member.ID).
		Str("email", member.Email).
		Int("attempts", maxAttempts).
		Msg("delivery retries exhausted, bouncing")
	return false, d.recordBounced(member)
}

// recordDelivered stamps the member and the dedup ledger after a successful
// send. Delivery is the moment a contact counts for the dedup window.
func (d *Dispatcher) recordDelivered(ctx context.Context, repo *models.Repository, member *models.Member) error {
	now := d.now()
	if err := d.store.MarkContacted(member.ID, now); err != nil {
		return err
	}
	if err := d.ledger.Touch(ctx, repo.ID, member.Email, repo.DedupWindow()); err != nil {
		logger.Warn().Err(err).Uint("member_id", member.ID).Msg("dedup touch failed after delivery")
	}
	return nil
}

// recordBounced moves the member to the terminal bounced state. The dedup
// ledger is deliberately untouched.
func (d *Dispatcher) recordBounced(member *models.Member) error {
	err := d.store.UpdateStatus(member.ID, models.MemberBounced)
	if errors.Is(err, ErrBouncedTerminal) {
		return nil
	}
	return err
}

func (d *Dispatcher) cancelRequested(jobID uint) (bool, error) {
	var job models.DistributionJob
	if err := d.db.Select("cancel_requested").First(&job, jobID).Error; err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

func (d *Dispatcher) finishJob(job *models.DistributionJob, status, lastError string, delivered, bounced int) error {
	updates := map[string]interface{}{
		"status":     status,
		"last_error": lastError,
	}
	if err := d.db.Model(job).Updates(updates).Error; err != nil {
		return err
	}

	d.events.Publish(EventJobCompleted, job.RepositoryID, JobCompletedPayload{
		JobID:     job.ID,
		BatchKey:  job.BatchKey,
		Status:    status,
		Delivered: delivered,
		Bounced:   bounced,
		LastError: lastError,
	})

	logger.Info().
		Uint("job_id", job.ID).
		Str("batch_key", job.BatchKey).
		Str("status", status).
		Int("delivered", delivered).
		Int("bounced", bounced).
		Msg("distribution job finished")
	return nil
}

// isPermanentSendError classifies SMTP errors: a 5xx reply is a hard bounce
// and retrying would burn reputation with the relay.
func isPermanentSendError(err error) bool {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return proto.Code >= 500
	}
	var perm *PermanentSendError
	return errors.As(err, &perm)
}

// PermanentSendError lets transports flag a failure as non-retryable without
// going through SMTP reply codes.
type PermanentSendError struct {
	Reason string
}

func (e *PermanentSendError) Error() string {
	return fmt.Sprintf("permanent send failure: %s", e.Reason)
}
