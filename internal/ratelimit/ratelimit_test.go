package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"xpilot/internal/clock"
	"xpilot/internal/errdefs"
	"xpilot/internal/storage"
)

type stubCounter struct {
	count      int64
	countErr   error
	lastCutoff time.Time
	recorded   []storage.UsageRecord
}

func (s *stubCounter) CountUsageSince(_ context.Context, _ uint, _ storage.UsageCategory, cutoff time.Time) (int64, error) {
	s.lastCutoff = cutoff
	return s.count, s.countErr
}

func (s *stubCounter) RecordUsage(_ context.Context, r *storage.UsageRecord) error {
	s.recorded = append(s.recorded, *r)
	return nil
}

func TestAllowZeroCeilingDeniesWithoutStore(t *testing.T) {
	t.Parallel()
	sc := &stubCounter{countErr: errors.New("store must not be touched")}
	l := New(sc, clock.NewFake(time.Unix(1_700_000_000, 0)))

	err := l.Allow(context.Background(), 1, storage.TierFree, storage.UsageFollow)
	if !errors.Is(err, errdefs.ErrQuota) {
		t.Fatalf("want ErrQuota, got %v", err)
	}
	if !sc.lastCutoff.IsZero() {
		t.Fatal("zero-ceiling denial must not query the store")
	}
}

func TestAllowUnderAndAtCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))

	sc := &stubCounter{count: 399}
	l := New(sc, clk)
	if err := l.Allow(ctx, 7, storage.TierBasic, storage.UsageFollow); err != nil {
		t.Fatalf("399/400 should pass: %v", err)
	}

	sc.count = 400
	if err := l.Allow(ctx, 7, storage.TierBasic, storage.UsageFollow); !errors.Is(err, errdefs.ErrQuota) {
		t.Fatalf("400/400 should deny with ErrQuota, got %v", err)
	}
}

func TestAllowUsesCategoryWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	sc := &stubCounter{}
	l := New(sc, clock.NewFake(now))

	if err := l.Allow(ctx, 3, storage.TierBasic, storage.UsageFollow); err != nil {
		t.Fatal(err)
	}
	if got, want := sc.lastCutoff, now.Add(-24*time.Hour); !got.Equal(want) {
		t.Fatalf("follow cutoff = %v, want %v", got, want)
	}

	if err := l.Allow(ctx, 3, storage.TierBasic, storage.UsagePost); err != nil {
		t.Fatal(err)
	}
	if got, want := sc.lastCutoff, now.Add(-30*24*time.Hour); !got.Equal(want) {
		t.Fatalf("post cutoff = %v, want %v", got, want)
	}
}

func TestRecordStampsClockTime(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	sc := &stubCounter{}
	l := New(sc, clock.NewFake(now))

	if err := l.Record(context.Background(), 5, storage.TierPro, storage.UsagePost); err != nil {
		t.Fatal(err)
	}
	if len(sc.recorded) != 1 {
		t.Fatalf("recorded %d rows, want 1", len(sc.recorded))
	}
	r := sc.recorded[0]
	if r.TenantID != 5 || r.Tier != storage.TierPro || r.Category != storage.UsagePost {
		t.Fatalf("unexpected record %+v", r)
	}
	if !r.CreatedAt.Equal(now.UTC()) {
		t.Fatalf("CreatedAt = %v, want %v", r.CreatedAt, now.UTC())
	}
}

func TestRemaining(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sc := &stubCounter{count: 1490}
	l := New(sc, clock.NewFake(time.Unix(1_700_000_000, 0)))

	left, err := l.Remaining(ctx, 1, storage.TierFree, storage.UsagePost)
	if err != nil {
		t.Fatal(err)
	}
	if left != 10 {
		t.Fatalf("remaining = %d, want 10", left)
	}

	left, err = l.Remaining(ctx, 1, storage.TierFree, storage.UsageRead)
	if err != nil || left != 0 {
		t.Fatalf("zero-ceiling remaining = %d, %v; want 0, nil", left, err)
	}
}

func TestUnknownTierFallsBackToFree(t *testing.T) {
	t.Parallel()
	q := QuotaFor(storage.Tier("mystery"), storage.UsagePost)
	if q.Ceiling != 1500 {
		t.Fatalf("unknown tier post ceiling = %d, want 1500", q.Ceiling)
	}
}
