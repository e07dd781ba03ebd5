package services

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/threadloop/snowball/internal/config"
	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/pkg/logger"
	"gorm.io/gorm"
)

// Intake throttle errors surfaced to the API layer as 429s.
var (
	ErrUploadRateLimited    = errors.New("upload rate limit exceeded for repository")
	ErrSubmitterRateLimited = errors.New("submission rate limit exceeded for user")
	ErrSnowballDisabled     = errors.New("snowball distribution is disabled for this repository")
)

// RowDecision is the per-row outcome of a bulk upload. Rows collapsed by
// in-batch dedup or rejected before the pipeline carry no candidate id.
type RowDecision struct {
	Email   string  `json:"email"`
	Status  string  `json:"status"` // approved, pending, rejected, invalid, duplicate, overflow
	Reason  string  `json:"reason,omitempty"`
	Score   float64 `json:"score,omitempty"`
	Matched *uint   `json:"candidate_id,omitempty"`
}

// BulkResult reports a bulk upload. The four headline counts sum to the
// number of rows admitted under the upload cap; overflow rows beyond the cap
// are reported separately, not silently dropped.
type BulkResult struct {
	Total              int           `json:"total"`
	Added              int           `json:"added"`
	Duplicates         int           `json:"duplicates"`
	Invalid            int           `json:"invalid"`
	RejectedLowQuality int           `json:"rejected_low_quality"`
	RejectedOverflow   int           `json:"rejected_overflow"`
	Decisions          []RowDecision `json:"decisions"`
}

// IntakeService funnels both ingestion paths (bulk upload at hop depth 0,
// single referral at depth k+1) into the propagation controller's gate
// pipeline. It never blocks on delivery: approved candidates only enqueue
// distribution work.
type IntakeService struct {
	db         *gorm.DB
	controller *PropagationController
	karma      KarmaService
	counter    RateCounter
	limits     config.RateLimitConfig
}

func NewIntakeService(
	db *gorm.DB,
	controller *PropagationController,
	karma KarmaService,
	counter RateCounter,
	limits config.RateLimitConfig,
) *IntakeService {
	return &IntakeService{
		db:         db,
		controller: controller,
		karma:      karma,
		counter:    counter,
		limits:     limits,
	}
}

// ParseEmailRows reads a bulk upload: either one email per line or a CSV
// with an `email` header column. Returns raw (unvalidated) rows.
func ParseEmailRows(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	// Header detection: a cell named "email" selects that column.
	emailCol := -1
	for i, cell := range records[0] {
		if strings.EqualFold(strings.TrimSpace(cell), "email") {
			emailCol = i
			break
		}
	}

	var rows []string
	start := 0
	col := 0
	if emailCol >= 0 {
		start = 1
		col = emailCol
	}

	for _, record := range records[start:] {
		if col >= len(record) {
			rows = append(rows, "")
			continue
		}
		cell := strings.TrimSpace(record[col])
		if cell == "" {
			continue
		}
		rows = append(rows, cell)
	}
	return rows, nil
}

// BulkUpload ingests raw email rows for a repository at hop depth 0.
// Per-batch dedup uses set semantics on the normalized email; the first
// occurrence is evaluated, later occurrences count as duplicates. Rows past
// maxEmailsPerUpload are rejected with a count.
func (s *IntakeService) BulkUpload(ctx context.Context, repo *models.Repository, rows []string, submittedBy uint) (*BulkResult, error) {
	if !repo.SnowballEnabled {
		return nil, ErrSnowballDisabled
	}

	if err := s.checkThrottles(ctx, repo, submittedBy); err != nil {
		return nil, err
	}

	submitterKarma, err := s.karma.GetUserKarma(ctx, submittedBy)
	if err != nil {
		// Karma service unreachable is an infrastructure failure: abort the
		// request rather than guessing a snapshot value.
		return nil, err
	}

	result := &BulkResult{Total: len(rows)}
	seenInBatch := make(map[string]bool, len(rows))

	for i, raw := range rows {
		if i >= repo.MaxEmailsPerUpload {
			result.RejectedOverflow++
			result.Decisions = append(result.Decisions, RowDecision{
				Email:  raw,
				Status: "overflow",
				Reason: "max-emails-per-upload",
			})
			continue
		}

		normalized, err := NormalizeEmail(raw)
		if err != nil {
			result.Invalid++
			result.Decisions = append(result.Decisions, RowDecision{
				Email:  raw,
				Status: "invalid",
				Reason: "invalid-email",
			})
			continue
		}

		if seenInBatch[normalized] {
			result.Duplicates++
			result.Decisions = append(result.Decisions, RowDecision{
				Email:  normalized,
				Status: "duplicate",
				Reason: "duplicate-in-batch",
			})
			continue
		}
		seenInBatch[normalized] = true

		draft := &models.Candidate{
			RepositoryID:      repo.ID,
			Email:             normalized,
			SubmittedByUserID: submittedBy,
			SubmitterKarma:    submitterKarma,
			HopDepth:          0,
		}

		decision, err := s.controller.EvaluateNew(ctx, repo, draft)
		if err != nil {
			return nil, err
		}

		s.tally(result, decision)
	}

	logger.Info().
		Uint("repository_id", repo.ID).
		Int("total", result.Total).
		Int("added", result.Added).
		Int("duplicates", result.Duplicates).
		Int("invalid", result.Invalid).
		Int("rejected_low_quality", result.RejectedLowQuality).
		Int("rejected_overflow", result.RejectedOverflow).
		Msg("bulk upload processed")

	return result, nil
}

// SubmitReferral ingests a single referral produced by a delivered,
// opted-in member.
func (s *IntakeService) SubmitReferral(ctx context.Context, repo *models.Repository, sourceMemberID uint, email string, submittedBy uint) (*Decision, error) {
	if !repo.SnowballEnabled {
		return nil, ErrSnowballDisabled
	}

	if allowed, err := s.counter.Allow(ctx, submitterRateKey(submittedBy), time.Hour, s.limits.SubmissionsPerHour); err != nil {
		return nil, err
	} else if !allowed {
		return nil, ErrSubmitterRateLimited
	}

	submitterKarma, err := s.karma.GetUserKarma(ctx, submittedBy)
	if err != nil {
		return nil, err
	}

	return s.controller.SubmitReferral(ctx, repo, sourceMemberID, email, submittedBy, submitterKarma)
}

func (s *IntakeService) checkThrottles(ctx context.Context, repo *models.Repository, submittedBy uint) error {
	if allowed, err := s.counter.Allow(ctx, uploadRateKey(repo.ID), time.Minute, s.limits.UploadsPerMinute); err != nil {
		return err
	} else if !allowed {
		return ErrUploadRateLimited
	}

	if allowed, err := s.counter.Allow(ctx, submitterRateKey(submittedBy), time.Hour, s.limits.SubmissionsPerHour); err != nil {
		return err
	} else if !allowed {
		return ErrSubmitterRateLimited
	}
	return nil
}

// tally folds a pipeline decision into the bulk counts. Dedup-window hits
// count as duplicates; every other rejection counts against quality.
func (s *IntakeService) tally(result *BulkResult, decision *Decision) {
	row := RowDecision{
		Email:   decision.Email,
		Status:  decision.Status,
		Reason:  decision.Reason,
		Score:   decision.Score,
		Matched: candidateIDPtr(decision.CandidateID),
	}

	switch decision.Status {
	case models.CandidateApproved, models.CandidatePending:
		result.Added++
	case models.CandidateRejected:
		if decision.Reason == models.ReasonDuplicateRecentContact {
			result.Duplicates++
		} else {
			result.RejectedLowQuality++
		}
	}

	result.Decisions = append(result.Decisions, row)
}

func candidateIDPtr(id uint) *uint {
	if id == 0 {
		return nil
	}
	return &id
}
