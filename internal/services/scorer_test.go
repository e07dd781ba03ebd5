package services

import (
	"testing"

	"github.com/threadloop/snowball/internal/config"
)

func testScorerConfig() *config.SnowballConfig {
	return &config.SnowballConfig{
		KarmaCeiling:   100,
		BlockedDomains: []string{"spam.example"},
		TrustedDomains: []string{"trusted.example"},
	}
}

func TestScorer_Deterministic(t *testing.T) {
	s := NewScorer(testScorerConfig(), nil)
	in := ScoreInput{Email: "alice@example.com", SubmitterKarma: 42}

	first := s.Score(in)
	for i := 0; i < 10; i++ {
		if got := s.Score(in); got != first {
			t.Fatalf("score changed between identical calls: %v vs %v", got, first)
		}
	}
}

func TestScorer_Score(t *testing.T) {
	s := NewScorer(testScorerConfig(), nil)

	tests := []struct {
		name  string
		in    ScoreInput
		want  float64
	}{
		{"malformed email", ScoreInput{Email: "not-an-email", SubmitterKarma: 100}, 0.0},
		{"blocked domain", ScoreInput{Email: "x@spam.example", SubmitterKarma: 100}, 0.0},
		{"neutral domain zero karma", ScoreInput{Email: "x@example.com", SubmitterKarma: 0}, 0.6 * 0.5},
		{"neutral domain full karma", ScoreInput{Email: "x@example.com", SubmitterKarma: 100}, 0.6*0.5 + 0.4},
		{"karma above ceiling clamps", ScoreInput{Email: "x@example.com", SubmitterKarma: 1000}, 0.6*0.5 + 0.4},
		{"trusted domain", ScoreInput{Email: "x@trusted.example", SubmitterKarma: 0}, 0.6 * 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.in)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Score = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestScorer_ContentSignalReweights(t *testing.T) {
	s := NewScorer(testScorerConfig(), nil)

	signal := 1.0
	got := s.Score(ScoreInput{Email: "x@example.com", SubmitterKarma: 100, ContentSignal: &signal})
	want := 0.5*0.5 + 0.3*1.0 + 0.2*1.0
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Score with content signal = %v, expected %v", got, want)
	}
}

func TestScorer_LookupOverride(t *testing.T) {
	lookup := func(domain string) (float64, bool, bool) {
		switch domain {
		case "good.example":
			return 1.0, false, true
		case "bad.example":
			return 0, true, true
		}
		return 0, false, false
	}
	s := NewScorer(testScorerConfig(), lookup)

	if got := s.Score(ScoreInput{Email: "x@good.example", SubmitterKarma: 100}); got != 1.0 {
		t.Errorf("Score with max reputation and karma = %v, expected 1.0", got)
	}
	if got := s.Score(ScoreInput{Email: "x@bad.example", SubmitterKarma: 100}); got != 0.0 {
		t.Errorf("Score for lookup-blocked domain = %v, expected 0.0", got)
	}
	// Unknown domains fall through to neutral.
	if got := s.Score(ScoreInput{Email: "x@other.example", SubmitterKarma: 0}); got != 0.6*0.5 {
		t.Errorf("Score for unknown domain = %v, expected %v", got, 0.6*0.5)
	}
}

func TestScorer_RangeInvariant(t *testing.T) {
	s := NewScorer(testScorerConfig(), nil)
	inputs := []ScoreInput{
		{Email: "a@example.com", SubmitterKarma: -50},
		{Email: "a@example.com", SubmitterKarma: 0},
		{Email: "a@example.com", SubmitterKarma: 100000},
		{Email: "a@trusted.example", SubmitterKarma: 100000},
	}
	for _, in := range inputs {
		got := s.Score(in)
		if got < 0 || got > 1 {
			t.Errorf("Score(%+v) = %v, outside [0,1]", in, got)
		}
	}
}
