package services

import (
	"strings"

	"github.com/threadloop/snowball/internal/config"
	"github.com/threadloop/snowball/internal/models"
	"gorm.io/gorm"
)

const neutralDomainScore = 0.5

// ScoreInput holds everything the quality scorer looks at. ContentSignal is
// an optional [0,1] heuristic from the surrounding submission (nil = absent).
type ScoreInput struct {
	Email          string
	SubmitterKarma int
	ContentSignal  *float64
}

// DomainLookup resolves a reputation override for a domain. ok is false when
// no override exists.
type DomainLookup func(domain string) (score float64, blocked bool, ok bool)

// Scorer assigns a [0,1] quality score to a candidate. Pure and deterministic
// for identical inputs: no clock, no randomness, no side effects. Malformed
// email syntax scores exactly 0.0 rather than erroring so callers handle
// rejection uniformly.
type Scorer struct {
	blocked      map[string]bool
	trusted      map[string]bool
	karmaCeiling int
	lookup       DomainLookup
}

// NewScorer builds a scorer from engine config and an optional domain
// reputation lookup.
func NewScorer(cfg *config.SnowballConfig, lookup DomainLookup) *Scorer {
	s := &Scorer{
		blocked:      make(map[string]bool, len(cfg.BlockedDomains)),
		trusted:      make(map[string]bool, len(cfg.TrustedDomains)),
		karmaCeiling: cfg.KarmaCeiling,
		lookup:       lookup,
	}
	if s.karmaCeiling <= 0 {
		s.karmaCeiling = 100
	}
	for _, d := range cfg.BlockedDomains {
		s.blocked[strings.ToLower(d)] = true
	}
	for _, d := range cfg.TrustedDomains {
		s.trusted[strings.ToLower(d)] = true
	}
	return s
}

// DBDomainLookup returns a DomainLookup backed by the domain_reputations table.
func DBDomainLookup(db *gorm.DB) DomainLookup {
	return func(domain string) (float64, bool, bool) {
		var rep models.DomainReputation
		if err := db.Where("domain = ?", domain).First(&rep).Error; err != nil {
			return 0, false, false
		}
		return rep.Score, rep.Blocked, true
	}
}

// Score computes the candidate quality score.
func (s *Scorer) Score(in ScoreInput) float64 {
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return 0.0
	}

	domain := EmailDomain(email)
	domainScore, blocked := s.domainScore(domain)
	if blocked {
		return 0.0
	}

	karmaNorm := float64(in.SubmitterKarma) / float64(s.karmaCeiling)
	karmaNorm = clamp01(karmaNorm)

	var score float64
	if in.ContentSignal != nil {
		score = 0.5*domainScore + 0.3*karmaNorm + 0.2*clamp01(*in.ContentSignal)
	} else {
		score = 0.6*domainScore + 0.4*karmaNorm
	}

	return clamp01(score)
}

// domainScore resolves the reputation of a domain: config block list first,
// then the injected lookup, then the trusted list, else neutral.
func (s *Scorer) domainScore(domain string) (score float64, blocked bool) {
	if s.blocked[domain] {
		return 0, true
	}
	if s.lookup != nil {
		if score, lookupBlocked, ok := s.lookup(domain); ok {
			if lookupBlocked {
				return 0, true
			}
			return clamp01(score), false
		}
	}
	if s.trusted[domain] {
		return 0.9, false
	}
	return neutralDomainScore, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
