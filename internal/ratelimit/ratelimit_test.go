package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock drives the limiter without real sleeping: every sleep advances
// the clock by the requested duration.
type fakeClock struct {
	now time.Time
}

func newTestLimiter(maxPerMinute int, floorDelay time.Duration) (*Limiter, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New("test", maxPerMinute, floorDelay)
	l.now = func() time.Time { return clk.now }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		clk.now = clk.now.Add(d)
		return ctx.Err()
	}
	return l, clk
}

func TestAcquireRespectsPerMinuteBound(t *testing.T) {
	const n = 6
	l, clk := newTestLimiter(n, 0)
	ctx := context.Background()

	start := clk.now
	var grants []time.Time
	for i := 0; i < 2*n; i++ {
		if err := l.Acquire(ctx, ClassListing); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		grants = append(grants, clk.now)
	}

	// No more than n grants in any rolling 60s window.
	for i := range grants {
		count := 0
		for j := i; j < len(grants); j++ {
			if grants[j].Sub(grants[i]) < time.Minute {
				count++
			}
		}
		if count > n {
			t.Errorf("window starting at grant %d holds %d grants, want <= %d", i, count, n)
		}
	}

	// The window starts empty, so the first n grants are immediate.
	if got := grants[n-1].Sub(start); got != 0 {
		t.Errorf("first %d grants took %v, want immediate", n, got)
	}
	// Grant n+1 must wait for the oldest grant to leave the window.
	if got := grants[n].Sub(start); got < time.Minute {
		t.Errorf("grant %d came after %v, want >= 1m", n+1, got)
	}
}

func TestStatsReportsWindowOccupancy(t *testing.T) {
	l, clk := newTestLimiter(10, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, ClassListing); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if got, _ := l.Stats(ClassListing); got != 3 {
		t.Errorf("window holds %d grants, want 3", got)
	}

	clk.now = clk.now.Add(2 * time.Minute)
	if got, _ := l.Stats(ClassListing); got != 0 {
		t.Errorf("window holds %d grants after 2m idle, want 0", got)
	}
}

func TestAcquireEnforcesFloorDelay(t *testing.T) {
	l, clk := newTestLimiter(1000, 2*time.Second)
	ctx := context.Background()

	if err := l.Acquire(ctx, ClassArticle); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	first := clk.now
	if err := l.Acquire(ctx, ClassArticle); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if got := clk.now.Sub(first); got < 2*time.Second {
		t.Errorf("second grant after %v, want >= 2s floor delay", got)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	l, clk := newTestLimiter(1, 0)
	ctx := context.Background()

	if err := l.Acquire(ctx, ClassListing); err != nil {
		t.Fatalf("listing acquire: %v", err)
	}
	before := clk.now
	if err := l.Acquire(ctx, ClassArticle); err != nil {
		t.Fatalf("article acquire: %v", err)
	}
	if got := clk.now.Sub(before); got != 0 {
		t.Errorf("article class waited %v behind listing class, want 0", got)
	}
}

func TestCooldownGrowsThenPlateaus(t *testing.T) {
	l, _ := newTestLimiter(60, 0)

	want := []time.Duration{
		DefaultCooldownBase,
		2 * DefaultCooldownBase,
		4 * DefaultCooldownBase,
		5 * DefaultCooldownBase,
		5 * DefaultCooldownBase,
	}
	for i, w := range want {
		got := l.Report429(ClassArticle, 0)
		if got != w {
			t.Errorf("429 #%d: cooldown %v, want %v", i+1, got, w)
		}
	}
}

func TestSuccessResetsCooldownStreak(t *testing.T) {
	l, _ := newTestLimiter(60, 0)

	l.Report429(ClassArticle, 0)
	l.Report429(ClassArticle, 0)
	l.ReportSuccess(ClassArticle)

	if got := l.Report429(ClassArticle, 0); got != DefaultCooldownBase {
		t.Errorf("cooldown after reset = %v, want %v", got, DefaultCooldownBase)
	}
}

func TestRetryAfterOverridesComputedCooldown(t *testing.T) {
	l, _ := newTestLimiter(60, 0)

	if got := l.Report429(ClassListing, 90*time.Second); got != 90*time.Second {
		t.Errorf("cooldown = %v, want server-provided 90s", got)
	}
}

func TestAcquireBlocksDuringCooldown(t *testing.T) {
	l, clk := newTestLimiter(60, 0)
	ctx := context.Background()

	l.Report429(ClassArticle, 0)
	before := clk.now
	if err := l.Acquire(ctx, ClassArticle); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := clk.now.Sub(before); got < DefaultCooldownBase {
		t.Errorf("acquire granted after %v, want >= %v cooldown", got, DefaultCooldownBase)
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	l, _ := newTestLimiter(1, 0)
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Acquire(ctx, ClassListing); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	cancel()
	if err := l.Acquire(ctx, ClassListing); err == nil {
		t.Error("expected context error from blocked acquire")
	}
}
