package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/threadloop/snowball/internal/models"
)

func TestMembershipStore_AddMember(t *testing.T) {
	db := newTestDB(t)
	repo := newTestRepo(t, db)
	store := NewMembershipStore(db)

	member := &models.Member{Email: "alice@example.com", Status: models.MemberActive, Verified: true}
	created, err := store.AddMember(repo.ID, member)
	if err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if !created {
		t.Fatal("first AddMember should create the member")
	}
	if member.ID == 0 {
		t.Error("created member should have an id")
	}

	var got models.Repository
	db.First(&got, repo.ID)
	if got.MemberCount != 1 {
		t.Errorf("MemberCount = %d, expected 1", got.MemberCount)
	}
	if got.VerifiedMemberCount != 1 {
		t.Errorf("VerifiedMemberCount = %d, expected 1", got.VerifiedMemberCount)
	}
}

func TestMembershipStore_AddMember_DuplicateIsNoOp(t *testing.T) {
	db := newTestDB(t)
	repo := newTestRepo(t, db)
	store := NewMembershipStore(db)

	first := &models.Member{Email: "alice@example.com", Status: models.MemberActive}
	if created, _ := store.AddMember(repo.ID, first); !created {
		t.Fatal("first add should create")
	}

	dup := &models.Member{Email: "alice@example.com", Status: models.MemberActive}
	created, err := store.AddMember(repo.ID, dup)
	if err != nil {
		t.Fatalf("duplicate AddMember should not error, got %v", err)
	}
	if created {
		t.Error("duplicate AddMember should report created=false")
	}

	count, _ := store.Count(repo.ID)
	if count != 1 {
		t.Errorf("Count = %d, expected exactly 1 member", count)
	}

	var got models.Repository
	db.First(&got, repo.ID)
	if got.MemberCount != 1 {
		t.Errorf("MemberCount = %d, expected 1 after duplicate add", got.MemberCount)
	}
}

func TestMembershipStore_AddMember_Concurrent(t *testing.T) {
	db := newTestDB(t)
	repo := newTestRepo(t, db)
	store := NewMembershipStore(db)

	const workers = 8
	results := make([]bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := &models.Member{Email: "race@example.com", Status: models.MemberActive}
			created, err := store.AddMember(repo.ID, m)
			if err != nil {
				t.Errorf("AddMember() error = %v", err)
				return
			}
			results[i] = created
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, created := range results {
		if created {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("exactly one concurrent add should win, got %d", winners)
	}

	count, _ := store.Count(repo.ID)
	if count != 1 {
		t.Errorf("Count = %d, expected 1", count)
	}
}

func TestMembershipStore_BouncedIsTerminal(t *testing.T) {
	db := newTestDB(t)
	repo := newTestRepo(t, db)
	store := NewMembershipStore(db)

	member := &models.Member{Email: "bounce@example.com", Status: models.MemberActive, Verified: true}
	store.AddMember(repo.ID, member)

	if err := store.UpdateStatus(member.ID, models.MemberBounced); err != nil {
		t.Fatalf("UpdateStatus(bounced) error = %v", err)
	}

	// Bounced members leave the countable membership.
	count, _ := store.Count(repo.ID)
	if count != 0 {
		t.Errorf("Count = %d, expected 0 after bounce", count)
	}
	var got models.Repository
	db.First(&got, repo.ID)
	if got.MemberCount != 0 {
		t.Errorf("MemberCount = %d, expected 0 after bounce", got.MemberCount)
	}
	if got.VerifiedMemberCount != 0 {
		t.Errorf("VerifiedMemberCount = %d, expected 0 after bounce", got.VerifiedMemberCount)
	}

	// No way back.
	if err := store.UpdateStatus(member.ID, models.MemberActive); !errors.Is(err, ErrBouncedTerminal) {
		t.Errorf("reactivating a bounced member should fail with ErrBouncedTerminal, got %v", err)
	}
	if err := store.MarkVerified(member.ID); !errors.Is(err, ErrBouncedTerminal) {
		t.Errorf("verifying a bounced member should fail with ErrBouncedTerminal, got %v", err)
	}
}

func TestMembershipStore_UpdateStatus_Invalid(t *testing.T) {
	db := newTestDB(t)
	store := NewMembershipStore(db)

	if err := store.UpdateStatus(1, "frozen"); err == nil {
		t.Error("unknown status should be rejected")
	}
}

func TestMembershipStore_MarkVerified(t *testing.T) {
	db := newTestDB(t)
	repo := newTestRepo(t, db)
	store := NewMembershipStore(db)

	member := &models.Member{Email: "optin@example.com", Status: models.MemberInactive}
	store.AddMember(repo.ID, member)

	if err := store.MarkVerified(member.ID); err != nil {
		t.Fatalf("MarkVerified() error = %v", err)
	}

	got, _ := store.Get(member.ID)
	if !got.Verified {
		t.Error("member should be verified")
	}
	if got.Status != models.MemberActive {
		t.Errorf("Status = %q, expected active", got.Status)
	}

	var gotRepo models.Repository
	db.First(&gotRepo, repo.ID)
	if gotRepo.VerifiedMemberCount != 1 {
		t.Errorf("VerifiedMemberCount = %d, expected 1", gotRepo.VerifiedMemberCount)
	}

	// Idempotent.
	if err := store.MarkVerified(member.ID); err != nil {
		t.Fatalf("second MarkVerified() error = %v", err)
	}
	db.First(&gotRepo, repo.ID)
	if gotRepo.VerifiedMemberCount != 1 {
		t.Errorf("VerifiedMemberCount = %d after repeat, expected 1", gotRepo.VerifiedMemberCount)
	}
}

func TestMembershipStore_MarkContacted(t *testing.T) {
	db := newTestDB(t)
	repo := newTestRepo(t, db)
	store := NewMembershipStore(db)

	member := &models.Member{Email: "sent@example.com", Status: models.MemberActive}
	store.AddMember(repo.ID, member)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := store.MarkContacted(member.ID, at); err != nil {
		t.Fatalf("MarkContacted() error = %v", err)
	}

	got, _ := store.Get(member.ID)
	if got.LastContactedAt == nil {
		t.Fatal("LastContactedAt should be set")
	}
	if !got.LastContactedAt.Equal(at) {
		t.Errorf("LastContactedAt = %v, expected %v", got.LastContactedAt, at)
	}
}

func TestMembershipStore_Recount(t *testing.T) {
	db := newTestDB(t)
	repo := newTestRepo(t, db)
	store := NewMembershipStore(db)

	store.AddMember(repo.ID, &models.Member{Email: "a@example.com", Status: models.MemberActive, Verified: true})
	store.AddMember(repo.ID, &models.Member{Email: "b@example.com", Status: models.MemberInactive})

	// Drift the counters on purpose.
	db.Model(&models.Repository{}).Where("id = ?", repo.ID).
		Updates(map[string]interface{}{"member_count": 99, "verified_member_count": 99})

	if err := store.Recount(repo.ID); err != nil {
		t.Fatalf("Recount() error = %v", err)
	}

	var got models.Repository
	db.First(&got, repo.ID)
	if got.MemberCount != 2 {
		t.Errorf("MemberCount = %d, expected 2", got.MemberCount)
	}
	if got.VerifiedMemberCount != 1 {
		t.Errorf("VerifiedMemberCount = %d, expected 1", got.VerifiedMemberCount)
	}
}
