package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/payment-reconciler/internal/alerts"
)

type fakeAlertOutbox struct {
	summary    alerts.DrainSummary
	drainErr   error
	purgeErr   error
	drains     int
	lastCutoff time.Time
}

func (f *fakeAlertOutbox) Drain(ctx context.Context) (alerts.DrainSummary, error) {
	f.drains++
	return f.summary, f.drainErr
}

func (f *fakeAlertOutbox) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	f.lastCutoff = cutoff
	return 3, f.purgeErr
}

func newAlertOutboxJob(t *testing.T, outbox *fakeAlertOutbox) *alertOutboxJob {
	t.Helper()
	jobIface, err := NewAlertOutboxJob(AlertOutboxJobParams{Logger: quietLogger(), Outbox: outbox})
	if err != nil {
		t.Fatalf("NewAlertOutboxJob: %v", err)
	}
	job, ok := jobIface.(*alertOutboxJob)
	if !ok {
		t.Fatalf("expected alertOutboxJob, got %T", jobIface)
	}
	return job
}

func TestAlertOutboxJobDrainsThenPurges(t *testing.T) {
	now := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	outbox := &fakeAlertOutbox{summary: alerts.DrainSummary{Delivered: 2, Failed: 1}}
	job := newAlertOutboxJob(t, outbox)
	job.now = func() time.Time { return now }

	if job.Name() != "alert-outbox" {
		t.Fatalf("unexpected job name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outbox.drains != 1 {
		t.Fatalf("expected one drain, got %d", outbox.drains)
	}
	if want := now.Add(-defaultAlertOutboxRetention); !outbox.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, outbox.lastCutoff)
	}
}

func TestAlertOutboxJobPropagatesErrors(t *testing.T) {
	job := newAlertOutboxJob(t, &fakeAlertOutbox{drainErr: errors.New("db down")})
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected drain error")
	}

	purgeFails := &fakeAlertOutbox{purgeErr: errors.New("db down")}
	job = newAlertOutboxJob(t, purgeFails)
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected purge error")
	}
	if purgeFails.drains != 1 {
		t.Fatalf("drain must run before purge, got %d drains", purgeFails.drains)
	}
}

func TestNewAlertOutboxJobValidates(t *testing.T) {
	if _, err := NewAlertOutboxJob(AlertOutboxJobParams{Outbox: &fakeAlertOutbox{}}); err == nil {
		t.Fatal("expected logger error")
	}
	if _, err := NewAlertOutboxJob(AlertOutboxJobParams{Logger: quietLogger()}); err == nil {
		t.Fatal("expected outbox error")
	}
}
