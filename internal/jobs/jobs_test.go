package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/dispatch"
	"github.com/example/freight-dispatch/internal/geo"
	"github.com/example/freight-dispatch/internal/lock"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/schedule"
	"github.com/example/freight-dispatch/internal/storage"
	"github.com/example/freight-dispatch/internal/tracker"
	"github.com/example/freight-dispatch/internal/trips"
	"github.com/example/freight-dispatch/internal/wallet"
)

type captureNotifier struct {
	mu    sync.Mutex
	sends []notify.Notification
}

func (c *captureNotifier) Send(ctx context.Context, address string, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, n)
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func testRunner(t *testing.T, now time.Time) (*Runner, *storage.MemoryStore, *geo.MemoryStatusCache, *captureNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	status := geo.NewMemoryStatusCache()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &captureNotifier{}
	wcfg := config.Wallet{
		CommissionFree: 0.15, CommissionPro: 0.10, CommissionPremium: 0.05,
		CreditLimitFree: 500, CreditLimitPro: 1000, CreditLimitPremium: 2000,
	}
	mcfg := config.Matching{
		Wave1RadiusKm: 3, Wave2RadiusKm: 5, Wave3RadiusKm: 10, DefaultRadiusKm: 10,
		WaveLimit: 10, OfferTTL: time.Minute, RequestTTL: 15 * time.Minute,
		ScheduledRadiusKm: 50,
		ReminderOffsets:   []time.Duration{60 * time.Minute, 15 * time.Minute},
		ConfirmWindow:     30 * time.Minute, AvailabilityRetention: 24 * time.Hour,
	}
	w := wallet.NewService(store, wcfg, logger)
	tripSvc := trips.NewService(store, w, notifier, logger)
	offers := tracker.NewMemoryTracker()
	engine := dispatch.NewEngine(geo.NewMemoryIndex(), store, offers, w, notifier, mcfg, logger)
	r := &Runner{
		Store: store, Status: status, Locks: lock.NewMemoryLocker(), Tracker: offers,
		Engine: engine, Trips: tripSvc,
		Notifier: notifier, Cfg: mcfg, Logger: logger,
		Now: func() time.Time { return now },
	}
	return r, store, status, notifier
}

func TestRunExpiry(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r, store, _, notifier := testRunner(t, now)
	ctx := context.Background()

	stale := now.Add(-time.Minute)
	fresh := now.Add(10 * time.Minute)
	reqs := []*models.TripRequest{
		{ID: "old", RequesterID: "u1", Mode: models.ModeOnDemand, Status: models.RequestPending, ExpiresAt: &stale, CreatedAt: now.Add(-time.Hour)},
		{ID: "live", RequesterID: "u2", Mode: models.ModeOnDemand, Status: models.RequestPending, ExpiresAt: &fresh, CreatedAt: now},
	}
	for _, req := range reqs {
		req.Pickup = models.Coord{Lat: 1, Lon: 1}
		req.Dropoff = models.Coord{Lat: 2, Lon: 2}
		if err := store.CreateTripRequest(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	offer := &models.TripOffer{
		ID: "o1", TripRequestID: "old", DriverID: "d1",
		Status: models.OfferPending, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	if err := store.CreateTripOffer(ctx, offer); err != nil {
		t.Fatal(err)
	}

	if err := r.RunExpiry(ctx); err != nil {
		t.Fatal(err)
	}

	old, _ := store.GetTripRequest(ctx, "old")
	if old.Status != models.RequestExpired {
		t.Fatalf("stale request = %s, want EXPIRED", old.Status)
	}
	live, _ := store.GetTripRequest(ctx, "live")
	if live.Status != models.RequestPending {
		t.Fatalf("fresh request = %s, want PENDING", live.Status)
	}
	got, _ := store.GetTripOffer(ctx, "o1")
	if got.Status != models.OfferExpired {
		t.Fatalf("offer = %s, want EXPIRED", got.Status)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.count())
	}
}

func TestRunRemindersSetsFlagsOnce(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r, store, _, notifier := testRunner(t, now)
	ctx := context.Background()

	if err := store.CreateDriver(ctx, &models.Driver{ID: "d1", Status: models.DriverBusy, PushAddress: "tok", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	start := now.Add(60 * time.Minute)
	end := start.Add(time.Hour)
	req := &models.TripRequest{
		ID: "r1", RequesterID: "u1", Mode: models.ModeScheduled, Status: models.RequestMatched,
		Pickup: models.Coord{Lat: 1, Lon: 1}, Dropoff: models.Coord{Lat: 2, Lon: 2},
		ScheduledStartAt: &start, ScheduledEndAt: &end,
		PreAssignedDriverID: "d1", CreatedAt: now.Add(-time.Hour),
	}
	if err := store.CreateTripRequest(ctx, req); err != nil {
		t.Fatal(err)
	}

	if err := r.RunReminders(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTripRequest(ctx, "r1")
	if !got.Reminder60Sent || got.Reminder15Sent {
		t.Fatalf("flags = 60:%v 15:%v, want 60 only", got.Reminder60Sent, got.Reminder15Sent)
	}
	// requester + driver
	if notifier.count() != 2 {
		t.Fatalf("notifications = %d, want 2", notifier.count())
	}

	// Second run in the same window must not re-send.
	if err := r.RunReminders(ctx); err != nil {
		t.Fatal(err)
	}
	if notifier.count() != 2 {
		t.Fatalf("notifications after rerun = %d, want still 2", notifier.count())
	}

	// 45 minutes later the 15-minute reminder fires.
	r.Now = func() time.Time { return now.Add(45 * time.Minute) }
	if err := r.RunReminders(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetTripRequest(ctx, "r1")
	if !got.Reminder15Sent {
		t.Fatal("15-minute reminder flag not set")
	}
	if notifier.count() != 4 {
		t.Fatalf("notifications = %d, want 4", notifier.count())
	}
}

func TestRunAutoRematchResetsUnconfirmedTrip(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r, store, status, _ := testRunner(t, now)
	ctx := context.Background()

	if err := store.CreateDriver(ctx, &models.Driver{ID: "dark", Status: models.DriverBusy, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	start := now.Add(20 * time.Minute)
	end := start.Add(time.Hour)
	matchedAt := now.Add(-time.Hour)
	req := &models.TripRequest{
		ID: "r1", RequesterID: "u1", Mode: models.ModeScheduled, Status: models.RequestMatched,
		Pickup: models.Coord{Lat: 1, Lon: 1}, Dropoff: models.Coord{Lat: 2, Lon: 2},
		ScheduledStartAt: &start, ScheduledEndAt: &end,
		PreAssignedDriverID: "dark", MatchedAt: &matchedAt, CreatedAt: matchedAt,
	}
	if err := store.CreateTripRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	trip := &models.Trip{
		ID: "t1", TripRequestID: "r1", RequesterID: "u1", DriverID: "dark",
		Status: models.TripConfirmed, CreatedAt: matchedAt,
	}
	if err := store.CreateTrip(ctx, trip); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateAvailabilityBlock(ctx, &models.AvailabilityBlock{
		ID: "b1", DriverID: "dark", TripRequestID: "r1",
		StartTime: start, EndTime: end, Reason: schedule.BlockReasonScheduledTrip, CreatedAt: matchedAt,
	}); err != nil {
		t.Fatal(err)
	}
	// No ONLINE heartbeat for "dark" in the status cache.

	if err := r.RunAutoRematch(ctx); err != nil {
		t.Fatal(err)
	}

	gotTrip, _ := store.GetTrip(ctx, "t1")
	if gotTrip.Status != models.TripCancelled || gotTrip.CancelledBy != "SYSTEM" {
		t.Fatalf("trip = %+v, want CANCELLED by SYSTEM", gotTrip)
	}
	gotReq, _ := store.GetTripRequest(ctx, "r1")
	if gotReq.Status != models.RequestPending || gotReq.PreAssignedDriverID != "" || gotReq.MatchedAt != nil {
		t.Fatalf("request = %+v, want reset to PENDING", gotReq)
	}
	blocks, _ := store.ListAvailabilityBlocks(ctx, "dark")
	if len(blocks) != 0 {
		t.Fatalf("blocks = %d, want 0 after rematch", len(blocks))
	}

	// An online driver is left alone.
	if err := store.CreateDriver(ctx, &models.Driver{ID: "alive", Status: models.DriverBusy, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := status.SetStatus(ctx, "alive", "ONLINE", time.Hour); err != nil {
		t.Fatal(err)
	}
	start2 := now.Add(25 * time.Minute)
	end2 := start2.Add(time.Hour)
	req2 := &models.TripRequest{
		ID: "r2", RequesterID: "u2", Mode: models.ModeScheduled, Status: models.RequestMatched,
		Pickup: models.Coord{Lat: 1, Lon: 1}, Dropoff: models.Coord{Lat: 2, Lon: 2},
		ScheduledStartAt: &start2, ScheduledEndAt: &end2, CreatedAt: now,
	}
	if err := store.CreateTripRequest(ctx, req2); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTrip(ctx, &models.Trip{
		ID: "t2", TripRequestID: "r2", RequesterID: "u2", DriverID: "alive",
		Status: models.TripConfirmed, CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.RunAutoRematch(ctx); err != nil {
		t.Fatal(err)
	}
	kept, _ := store.GetTrip(ctx, "t2")
	if kept.Status != models.TripConfirmed {
		t.Fatalf("online driver's trip = %s, want CONFIRMED", kept.Status)
	}
}

// flakyRequestStore fails a set number of trip-request updates, then
// recovers.
type flakyRequestStore struct {
	storage.Store
	failures int
}

func (f *flakyRequestStore) UpdateTripRequest(ctx context.Context, req *models.TripRequest) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("store unavailable")
	}
	return f.Store.UpdateTripRequest(ctx, req)
}

func (f *flakyRequestStore) Transact(ctx context.Context, fn func(storage.Store) error) error {
	return f.Store.Transact(ctx, func(storage.Store) error { return fn(f) })
}

func TestRunAutoRematchRetriesAfterStoreFailure(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mem := storage.NewMemoryStore()
	flaky := &flakyRequestStore{Store: mem, failures: 1}
	status := geo.NewMemoryStatusCache()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wcfg := config.Wallet{
		CommissionFree: 0.15, CommissionPro: 0.10, CommissionPremium: 0.05,
		CreditLimitFree: 500, CreditLimitPro: 1000, CreditLimitPremium: 2000,
	}
	w := wallet.NewService(flaky, wcfg, logger)
	tripSvc := trips.NewService(flaky, w, notify.Nop{}, logger)
	r := &Runner{
		Store: flaky, Status: status, Locks: lock.NewMemoryLocker(), Tracker: tracker.NewMemoryTracker(),
		Trips: tripSvc, Notifier: notify.Nop{},
		Cfg:    config.Matching{ConfirmWindow: 30 * time.Minute},
		Logger: logger,
		Now:    func() time.Time { return now },
	}
	ctx := context.Background()

	if err := mem.CreateDriver(ctx, &models.Driver{ID: "dark", Status: models.DriverBusy, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	start := now.Add(20 * time.Minute)
	end := start.Add(time.Hour)
	matchedAt := now.Add(-time.Hour)
	req := &models.TripRequest{
		ID: "r1", RequesterID: "u1", Mode: models.ModeScheduled, Status: models.RequestMatched,
		Pickup: models.Coord{Lat: 1, Lon: 1}, Dropoff: models.Coord{Lat: 2, Lon: 2},
		ScheduledStartAt: &start, ScheduledEndAt: &end,
		PreAssignedDriverID: "dark", MatchedAt: &matchedAt, CreatedAt: matchedAt,
	}
	if err := mem.CreateTripRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := mem.CreateTrip(ctx, &models.Trip{
		ID: "t1", TripRequestID: "r1", RequesterID: "u1", DriverID: "dark",
		Status: models.TripConfirmed, CreatedAt: matchedAt,
	}); err != nil {
		t.Fatal(err)
	}
	if err := mem.CreateAvailabilityBlock(ctx, &models.AvailabilityBlock{
		ID: "b1", DriverID: "dark", TripRequestID: "r1",
		StartTime: start, EndTime: end, Reason: schedule.BlockReasonScheduledTrip, CreatedAt: matchedAt,
	}); err != nil {
		t.Fatal(err)
	}

	// The first pass hits the store failure; the rescue rolls back as a
	// whole, so the trip is not left cancelled under a matched request.
	if err := r.RunAutoRematch(ctx); err != nil {
		t.Fatal(err)
	}
	gotTrip, _ := mem.GetTrip(ctx, "t1")
	if gotTrip.Status != models.TripConfirmed {
		t.Fatalf("trip after failed rescue = %s, want CONFIRMED", gotTrip.Status)
	}
	gotReq, _ := mem.GetTripRequest(ctx, "r1")
	if gotReq.Status != models.RequestMatched || gotReq.PreAssignedDriverID != "dark" {
		t.Fatalf("request after failed rescue = %+v, want MATCHED with pre-assignment", gotReq)
	}
	blocks, _ := mem.ListAvailabilityBlocks(ctx, "dark")
	if len(blocks) != 1 {
		t.Fatalf("blocks after failed rescue = %d, want 1", len(blocks))
	}

	// The next pass finds the same request and finishes the rescue. The
	// runner has no dispatch engine wired, so the request stays PENDING.
	if err := r.RunAutoRematch(ctx); err != nil {
		t.Fatal(err)
	}
	gotTrip, _ = mem.GetTrip(ctx, "t1")
	if gotTrip.Status != models.TripCancelled || gotTrip.CancelledBy != "SYSTEM" {
		t.Fatalf("trip = %+v, want CANCELLED by SYSTEM", gotTrip)
	}
	gotReq, _ = mem.GetTripRequest(ctx, "r1")
	if gotReq.Status != models.RequestPending || gotReq.PreAssignedDriverID != "" {
		t.Fatalf("request = %+v, want reset to PENDING", gotReq)
	}
	blocks, _ = mem.ListAvailabilityBlocks(ctx, "dark")
	if len(blocks) != 0 {
		t.Fatalf("blocks = %d, want 0 after rescue", len(blocks))
	}
}

func TestRunCleanup(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r, store, _, _ := testRunner(t, now)
	ctx := context.Background()

	old := &models.AvailabilityBlock{
		ID: "old", DriverID: "d1",
		StartTime: now.Add(-48 * time.Hour), EndTime: now.Add(-26 * time.Hour), CreatedAt: now.Add(-48 * time.Hour),
	}
	recent := &models.AvailabilityBlock{
		ID: "recent", DriverID: "d1",
		StartTime: now.Add(-3 * time.Hour), EndTime: now.Add(-2 * time.Hour), CreatedAt: now.Add(-3 * time.Hour),
	}
	for _, b := range []*models.AvailabilityBlock{old, recent} {
		if err := store.CreateAvailabilityBlock(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.RunCleanup(ctx); err != nil {
		t.Fatal(err)
	}
	blocks, _ := store.ListAvailabilityBlocks(ctx, "d1")
	if len(blocks) != 1 || blocks[0].ID != "recent" {
		t.Fatalf("blocks = %+v, want only the recent one", blocks)
	}
}
