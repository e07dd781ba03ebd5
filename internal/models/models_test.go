package models

import "testing"

func validRepo() *Repository {
	return &Repository{
		Topic:                "gardening",
		OwnerID:              1,
		Visibility:           VisibilityPublic,
		MinQualityScore:      0.5,
		AutoApproveThreshold: 0.9,
		MaxEmailsPerUpload:   500,
		MaxHops:              3,
		DedupWindowHours:     720,
		MaxMembers:           10000,
	}
}

func TestRepository_Validate(t *testing.T) {
	if err := validRepo().Validate(); err != nil {
		t.Fatalf("valid repository rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Repository)
	}{
		{"empty topic", func(r *Repository) { r.Topic = "" }},
		{"bad visibility", func(r *Repository) { r.Visibility = "secret" }},
		{"quality score above 1", func(r *Repository) { r.MinQualityScore = 1.5 }},
		{"auto approve below min quality", func(r *Repository) { r.AutoApproveThreshold = 0.3 }},
		{"negative max hops", func(r *Repository) { r.MaxHops = -1 }},
		{"zero upload limit", func(r *Repository) { r.MaxEmailsPerUpload = 0 }},
		{"zero dedup window", func(r *Repository) { r.DedupWindowHours = 0 }},
		{"zero member cap", func(r *Repository) { r.MaxMembers = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := validRepo()
			tt.mutate(repo)
			if err := repo.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMember_Validate(t *testing.T) {
	repo := validRepo()
	source := uint(1)

	seed := &Member{Email: "a@example.com", Status: MemberActive}
	if err := seed.Validate(repo); err != nil {
		t.Fatalf("seed member rejected: %v", err)
	}

	referred := &Member{Email: "b@example.com", Status: MemberInactive, HopDepth: 2, SourceMemberID: &source}
	if err := referred.Validate(repo); err != nil {
		t.Fatalf("referred member rejected: %v", err)
	}

	tooDeep := &Member{Email: "c@example.com", Status: MemberActive, HopDepth: 4, SourceMemberID: &source}
	if err := tooDeep.Validate(repo); err == nil {
		t.Error("hop depth beyond max_hops should be rejected")
	}

	orphan := &Member{Email: "d@example.com", Status: MemberActive, HopDepth: 1}
	if err := orphan.Validate(repo); err == nil {
		t.Error("propagated member without a source should be rejected")
	}

	badStatus := &Member{Email: "e@example.com", Status: "paused"}
	if err := badStatus.Validate(repo); err == nil {
		t.Error("unknown status should be rejected")
	}
}

func TestMember_Deliverable(t *testing.T) {
	if !(&Member{Status: MemberActive}).Deliverable() {
		t.Error("active member should be deliverable")
	}
	if !(&Member{Status: MemberInactive}).Deliverable() {
		t.Error("inactive member should be deliverable")
	}
	if (&Member{Status: MemberBounced}).Deliverable() {
		t.Error("bounced member must not be deliverable")
	}
}

func TestCandidate_Decided(t *testing.T) {
	if (&Candidate{Status: CandidatePending}).Decided() {
		t.Error("pending candidate is not decided")
	}
	for _, status := range []string{CandidateApproved, CandidateRejected, CandidateExpired} {
		if !(&Candidate{Status: status}).Decided() {
			t.Errorf("status %q should count as decided", status)
		}
	}
}

func TestDistributionJob_Targets(t *testing.T) {
	job := &DistributionJob{}

	ids, err := job.Targets()
	if err != nil || ids != nil {
		t.Errorf("empty job Targets() = %v, %v, expected nil, nil", ids, err)
	}

	want := []uint{5, 3, 9}
	if err := job.SetTargets(want); err != nil {
		t.Fatalf("SetTargets() error = %v", err)
	}

	got, err := job.Targets()
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Targets() = %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("target %d = %d, expected order preserved (%d)", i, got[i], want[i])
		}
	}
}

func TestDistributionJob_Terminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		JobQueued:  false,
		JobSending: false,
		JobSent:    true,
		JobFailed:  true,
	} {
		job := &DistributionJob{Status: status}
		if job.Terminal() != terminal {
			t.Errorf("Terminal() for %q = %v, expected %v", status, job.Terminal(), terminal)
		}
	}
}
