package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/orthodoxmetrics/recordsgo/internal/database/dbtest"
	"github.com/orthodoxmetrics/recordsgo/internal/models"
)

func TestLease_SingleHolder(t *testing.T) {
	db := dbtest.Open(t, &models.SchedulerLease{})
	ctx := context.Background()

	a := NewLease(db, "transfer-scheduler", "node-a", time.Minute)
	b := NewLease(db, "transfer-scheduler", "node-b", time.Minute)

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("node-a should acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := b.Acquire(ctx); err != nil || ok {
		t.Fatalf("node-b must not acquire a live lease: ok=%v err=%v", ok, err)
	}
	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("node-a should renew: ok=%v err=%v", ok, err)
	}

	b.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	if ok, err := b.Acquire(ctx); err != nil || !ok {
		t.Fatalf("node-b should take an expired lease: ok=%v err=%v", ok, err)
	}

	var lease models.SchedulerLease
	if err := db.First(&lease, "name = ?", "transfer-scheduler").Error; err != nil {
		t.Fatalf("load lease: %v", err)
	}
	if lease.Holder != "node-b" {
		t.Errorf("Expected node-b, got %s", lease.Holder)
	}
}

func TestLease_Release(t *testing.T) {
	db := dbtest.Open(t, &models.SchedulerLease{})
	ctx := context.Background()

	a := NewLease(db, "transfer-scheduler", "node-a", time.Hour)
	b := NewLease(db, "transfer-scheduler", "node-b", time.Hour)

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("node-a should acquire")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	b.now = func() time.Time { return time.Now().UTC().Add(time.Second) }
	if ok, err := b.Acquire(ctx); err != nil || !ok {
		t.Fatalf("node-b should acquire a released lease: ok=%v err=%v", ok, err)
	}
}
