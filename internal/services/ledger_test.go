package services

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLedger_SeenWithinWindow(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	window := 720 * time.Hour

	seen, err := ledger.Seen(ctx, 1, "alice@example.com", window)
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if seen {
		t.Error("untouched email should not be seen")
	}

	if err := ledger.Touch(ctx, 1, "alice@example.com", window); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	seen, _ = ledger.Seen(ctx, 1, "alice@example.com", window)
	if !seen {
		t.Error("touched email should be seen within the window")
	}
}

func TestMemoryLedger_WindowExpiry(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	window := 720 * time.Hour

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	ledger.SetClock(func() time.Time { return now })

	if err := ledger.Touch(ctx, 1, "alice@example.com", window); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	// One hour inside the window: still a duplicate.
	now = base.Add(window - time.Hour)
	if seen, _ := ledger.Seen(ctx, 1, "alice@example.com", window); !seen {
		t.Error("email should be seen one hour before the window closes")
	}

	// One hour past the window: eligible again.
	now = base.Add(window + time.Hour)
	if seen, _ := ledger.Seen(ctx, 1, "alice@example.com", window); seen {
		t.Error("email should not be seen after the window has passed")
	}
}

func TestMemoryLedger_RepositoriesIsolated(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	window := time.Hour

	if err := ledger.Touch(ctx, 1, "alice@example.com", window); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	if seen, _ := ledger.Seen(ctx, 2, "alice@example.com", window); seen {
		t.Error("touch in one repository must not mark the email in another")
	}
}

func TestMemoryLedger_TouchRefreshesWindow(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	window := time.Hour

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	ledger.SetClock(func() time.Time { return now })

	ledger.Touch(ctx, 1, "alice@example.com", window)

	now = base.Add(50 * time.Minute)
	ledger.Touch(ctx, 1, "alice@example.com", window)

	// 70 minutes after the first touch but only 20 after the second.
	now = base.Add(70 * time.Minute)
	if seen, _ := ledger.Seen(ctx, 1, "alice@example.com", window); !seen {
		t.Error("second touch should have refreshed the window")
	}
}
