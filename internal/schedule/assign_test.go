package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/storage"
	"github.com/example/freight-dispatch/internal/wallet"
)

func testAssigner(t *testing.T) (*Assigner, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wcfg := config.Wallet{
		CommissionFree: 0.15, CommissionPro: 0.10, CommissionPremium: 0.05,
		CreditLimitFree: 500, CreditLimitPro: 1000, CreditLimitPremium: 2000,
	}
	w := wallet.NewService(store, wcfg, logger)
	mcfg := config.Matching{ScheduledRadiusKm: 50}
	// nil geo index: scheduled lookups fall back to the full ACTIVE set
	return NewAssigner(store, nil, w, notify.Nop{}, mcfg, logger), store
}

func scheduledRequest(t *testing.T, store *storage.MemoryStore, id string, start, end time.Time) *models.TripRequest {
	t.Helper()
	req := &models.TripRequest{
		ID: id, RequesterID: "u1", Mode: models.ModeScheduled,
		Pickup: models.Coord{Lat: 1, Lon: 1}, Dropoff: models.Coord{Lat: 2, Lon: 2},
		EstimatedFare: 3000, Status: models.RequestPending,
		ScheduledStartAt: &start, ScheduledEndAt: &end, CreatedAt: time.Now(),
	}
	if err := store.CreateTripRequest(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	return req
}

func activeDriver(t *testing.T, store *storage.MemoryStore, id string, balance float64) {
	t.Helper()
	d := &models.Driver{ID: id, Status: models.DriverActive, WalletBalance: balance, CreatedAt: time.Now()}
	if err := store.CreateDriver(context.Background(), d); err != nil {
		t.Fatal(err)
	}
}

func TestPreAssignReservesWindow(t *testing.T) {
	a, store := testAssigner(t)
	ctx := context.Background()
	start := time.Now().Add(3 * time.Hour)
	end := start.Add(time.Hour)
	req := scheduledRequest(t, store, "r1", start, end)
	activeDriver(t, store, "d1", 0)

	got, err := a.PreAssign(ctx, req.ID, "d1")
	if err != nil {
		t.Fatalf("preassign: %v", err)
	}
	if got.PreAssignedDriverID != "d1" {
		t.Fatalf("pre_assigned = %q, want d1", got.PreAssignedDriverID)
	}
	blocks, _ := store.ListAvailabilityBlocks(ctx, "d1")
	if len(blocks) != 1 || blocks[0].Reason != BlockReasonScheduledTrip || blocks[0].TripRequestID != req.ID {
		t.Fatalf("blocks = %+v, want one SCHEDULED_TRIP block for r1", blocks)
	}

	// Overlapping second request must be refused.
	req2 := scheduledRequest(t, store, "r2", start.Add(30*time.Minute), end.Add(30*time.Minute))
	if _, err := a.PreAssign(ctx, req2.ID, "d1"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("overlap err = %v, want conflict", err)
	}

	// Touching windows do not conflict: [start, end) then [end, ...).
	req3 := scheduledRequest(t, store, "r3", end, end.Add(time.Hour))
	if _, err := a.PreAssign(ctx, req3.ID, "d1"); err != nil {
		t.Fatalf("back-to-back preassign: %v", err)
	}
}

func TestPreAssignValidation(t *testing.T) {
	a, store := testAssigner(t)
	ctx := context.Background()
	start := time.Now().Add(2 * time.Hour)
	end := start.Add(time.Hour)
	activeDriver(t, store, "d1", 0)

	onDemand := &models.TripRequest{
		ID: "od", RequesterID: "u1", Mode: models.ModeOnDemand,
		Pickup: models.Coord{Lat: 1, Lon: 1}, Dropoff: models.Coord{Lat: 2, Lon: 2},
		Status: models.RequestPending, CreatedAt: time.Now(),
	}
	if err := store.CreateTripRequest(ctx, onDemand); err != nil {
		t.Fatal(err)
	}
	if _, err := a.PreAssign(ctx, "od", "d1"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("on-demand err = %v, want invalid state", err)
	}

	past := scheduledRequest(t, store, "past", time.Now().Add(-time.Hour), time.Now())
	if _, err := a.PreAssign(ctx, past.ID, "d1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("past start err = %v, want validation", err)
	}

	req := scheduledRequest(t, store, "r1", start, end)
	offline := &models.Driver{ID: "sleepy", Status: models.DriverOffline, CreatedAt: time.Now()}
	if err := store.CreateDriver(ctx, offline); err != nil {
		t.Fatal(err)
	}
	if _, err := a.PreAssign(ctx, req.ID, "sleepy"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("offline driver err = %v, want invalid state", err)
	}

	if _, err := a.PreAssign(ctx, req.ID, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown driver err = %v, want not found", err)
	}

	if _, err := a.PreAssign(ctx, req.ID, "d1"); err != nil {
		t.Fatalf("preassign: %v", err)
	}
	if _, err := a.PreAssign(ctx, req.ID, "d1"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("double assign err = %v, want conflict", err)
	}
}

func TestFindAvailableFilters(t *testing.T) {
	a, store := testAssigner(t)
	ctx := context.Background()
	start := time.Now().Add(4 * time.Hour)
	end := start.Add(time.Hour)
	req := scheduledRequest(t, store, "r1", start, end)

	activeDriver(t, store, "free", 0)
	activeDriver(t, store, "booked", 0)
	activeDriver(t, store, "broke", -600)
	offline := &models.Driver{ID: "off", Status: models.DriverOffline, CreatedAt: time.Now()}
	if err := store.CreateDriver(ctx, offline); err != nil {
		t.Fatal(err)
	}
	err := store.CreateAvailabilityBlock(ctx, &models.AvailabilityBlock{
		ID: "b1", DriverID: "booked", TripRequestID: "other",
		StartTime: start.Add(-30 * time.Minute), EndTime: start.Add(30 * time.Minute),
		Reason: BlockReasonScheduledTrip, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := a.FindAvailable(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "free" {
		names := make([]string, len(got))
		for i, d := range got {
			names[i] = d.ID
		}
		t.Fatalf("available = %v, want [free]", names)
	}
}

func TestRelease(t *testing.T) {
	a, store := testAssigner(t)
	ctx := context.Background()
	start := time.Now().Add(2 * time.Hour)
	req := scheduledRequest(t, store, "r1", start, start.Add(time.Hour))
	activeDriver(t, store, "d1", 0)

	if _, err := a.PreAssign(ctx, req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Release(ctx, req); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := store.GetTripRequest(ctx, req.ID)
	if got.PreAssignedDriverID != "" {
		t.Fatalf("pre_assigned = %q, want empty", got.PreAssignedDriverID)
	}
	blocks, _ := store.ListAvailabilityBlocks(ctx, "d1")
	if len(blocks) != 0 {
		t.Fatalf("blocks = %d, want 0 after release", len(blocks))
	}
}
