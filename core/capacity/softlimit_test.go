package capacity

import (
	"math"
	"testing"
	"time"
)

var epoch = time.Unix(0, 0).UTC()

func TestComputeDailyUsageSoftLimit_MidBucket(t *testing.T) {
	got := ComputeDailyUsageSoftLimit(SoftLimitInput{
		PlannedKWh:  4,
		UsedKWh:     1,
		BucketStart: epoch,
		BucketEnd:   epoch.Add(time.Hour),
		Now:         epoch.Add(30 * time.Minute),
	})
	if math.Abs(got-6.0) > 1e-9 {
		t.Fatalf("expected 6.0 kW, got %v", got)
	}
}

func TestComputeDailyUsageSoftLimit_BurstNearEnd(t *testing.T) {
	// Five minutes left floors to ten; the remaining 3 kWh must be
	// consumable in that floored window. No end-of-bucket capping.
	got := ComputeDailyUsageSoftLimit(SoftLimitInput{
		PlannedKWh:  4,
		UsedKWh:     1,
		BucketStart: epoch,
		BucketEnd:   epoch.Add(time.Hour),
		Now:         epoch.Add(55 * time.Minute),
	})
	if math.Abs(got-18.0) > 1e-9 {
		t.Fatalf("expected 18.0 kW burst, got %v", got)
	}
}

func TestComputeDailyUsageSoftLimit_ZeroBudget(t *testing.T) {
	got := ComputeDailyUsageSoftLimit(SoftLimitInput{
		PlannedKWh: 0,
		UsedKWh:    -3,
		BucketEnd:  epoch.Add(time.Hour),
		Now:        epoch,
	})
	if got != 0 {
		t.Fatalf("zero planned budget must yield 0, got %v", got)
	}
}

func TestComputeDailyUsageSoftLimit_OverBudget(t *testing.T) {
	got := ComputeDailyUsageSoftLimit(SoftLimitInput{
		PlannedKWh: 2,
		UsedKWh:    5,
		BucketEnd:  epoch.Add(time.Hour),
		Now:        epoch,
	})
	if got != 0 {
		t.Fatalf("over budget must clamp to 0, got %v", got)
	}
}

func TestComputeDailyUsageSoftLimit_NeverNegative(t *testing.T) {
	for used := 0.0; used <= 8; used += 0.5 {
		got := ComputeDailyUsageSoftLimit(SoftLimitInput{
			PlannedKWh: 8,
			UsedKWh:    used,
			BucketEnd:  epoch.Add(24 * time.Hour),
			Now:        epoch.Add(23*time.Hour + 59*time.Minute),
		})
		if got < 0 {
			t.Fatalf("negative rate for used=%v: %v", used, got)
		}
	}
}

func TestHeadroom(t *testing.T) {
	if hr := HeadroomKw(10, 1.5, 7000); math.Abs(hr-1.5) > 1e-9 {
		t.Fatalf("expected 1.5 kW headroom, got %v", hr)
	}
	if hr := HeadroomKw(10, 1.5, 9500); hr >= 0 {
		t.Fatalf("expected negative headroom, got %v", hr)
	}
}

func TestDayWindow(t *testing.T) {
	at := time.Date(2026, 3, 2, 13, 45, 0, 0, time.UTC)
	start, end := DayWindow(at)
	if start.Hour() != 0 || end.Sub(start) != 24*time.Hour {
		t.Fatalf("bad day window: %v - %v", start, end)
	}
}
